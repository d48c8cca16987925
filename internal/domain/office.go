package domain

type OfficeName string

const (
	DefaultOffice    OfficeName = "main"
	MaxOfficeNameLen            = 36
)

type Office struct {
	Name OfficeName `json:"name"`
}
