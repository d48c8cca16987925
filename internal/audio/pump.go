package audio

import (
	"context"
	"errors"
	"io"

	"github.com/dkeye/Office/internal/core"
	"github.com/rs/zerolog"
)

// Pump reads RTP packets from the remote track and feeds the meter and the
// output until ctx is done or the track ends.
func Pump(ctx context.Context, track core.RemoteTrack, meter *Meter, out Output, logger *zerolog.Logger) {
	defer meter.Reset()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		default:
		}
		pkt, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug().Msg("remote track ended")
			} else {
				logger.Warn().Err(err).Msg("read RTP error, stopping pump")
			}
			return
		}
		meter.Observe(pkt)
		if out == nil {
			continue
		}
		if err := out.WriteRTP(pkt); err != nil {
			if errors.Is(err, ErrOutputClosed) {
				return
			}
			logger.Debug().Err(err).Msg("output write error")
		}
	}
}
