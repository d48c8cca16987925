package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
)

type OfficeManagerImpl struct {
	mu      sync.RWMutex
	offices map[domain.OfficeName]core.OfficeService
}

func NewOfficeManager() core.OfficeManager {
	return &OfficeManagerImpl{offices: make(map[domain.OfficeName]core.OfficeService)}
}

func (f *OfficeManagerImpl) GetOrCreate(name domain.OfficeName) core.OfficeService {
	f.mu.RLock()
	office, ok := f.offices[name]
	f.mu.RUnlock()
	if ok {
		return office
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if office, ok = f.offices[name]; ok {
		return office
	}
	office = core.NewOfficeService(&domain.Office{Name: name})
	f.offices[name] = office
	return office
}

func (f *OfficeManagerImpl) Get(name domain.OfficeName) (core.OfficeService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	office, ok := f.offices[name]
	return office, ok
}

func (f *OfficeManagerImpl) List() []core.OfficeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.OfficeInfo, 0, len(f.offices))
	for _, o := range f.offices {
		out = append(out, core.OfficeInfo{Name: o.Office().Name, MemberCount: o.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *OfficeManagerImpl) StopOffice(name domain.OfficeName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.offices, name)
}
