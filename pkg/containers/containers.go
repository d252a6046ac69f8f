// Package containers defines the typed data containers that pipeline
// modules exchange, and the thread-safe store that holds them between
// stages.
package containers

import (
	"fmt"

	"github.com/google/uuid"
)

// Container type names for the built-in containers.
const (
	TypeFile            = "file"
	TypeReport          = "report"
	TypeHost            = "host"
	TypeTicketAttribute = "ticketattribute"
)

// Container is a typed attribute bag produced by one module and consumed
// by others. Containers are immutable once stored; a consumer that needs a
// modified copy creates a new container.
type Container interface {
	// ContainerType returns the type key under which the container is stored.
	ContainerType() string

	// Metadata returns the container's metadata pairs, usable as a
	// retrieval filter. May be nil.
	Metadata() map[string]string

	// String returns a short human-readable description, used in logs and
	// per-item progress updates.
	String() string
}

// Attributes carries the ID and metadata shared by the built-in containers.
type Attributes struct {
	ID   string
	meta map[string]string
}

func newAttributes() Attributes {
	return Attributes{ID: uuid.NewString()}
}

// SetMetadata records a metadata pair on the container. Not safe for use
// after the container has been stored.
func (a *Attributes) SetMetadata(key, value string) {
	if a.meta == nil {
		a.meta = make(map[string]string)
	}
	a.meta[key] = value
}

// Metadata returns the container's metadata pairs.
func (a *Attributes) Metadata() map[string]string {
	return a.meta
}

// File points at a file collected or produced by a module.
type File struct {
	Attributes

	// Name is the file's display name.
	Name string

	// Path is the local filesystem path.
	Path string
}

// NewFile creates a File container.
func NewFile(name, path string) *File {
	return &File{Attributes: newAttributes(), Name: name, Path: path}
}

func (f *File) ContainerType() string { return TypeFile }

func (f *File) String() string { return fmt.Sprintf("file:%s", f.Path) }

// Report is a human-readable report produced by a processing module.
type Report struct {
	Attributes

	// SourceModule is the runtime name of the module that authored the
	// report.
	SourceModule string

	// Title is the report headline.
	Title string

	// Text is the report body.
	Text string
}

// NewReport creates a Report container.
func NewReport(sourceModule, title, text string) *Report {
	return &Report{
		Attributes:   newAttributes(),
		SourceModule: sourceModule,
		Title:        title,
		Text:         text,
	}
}

func (r *Report) ContainerType() string { return TypeReport }

func (r *Report) String() string { return fmt.Sprintf("report:%s", r.Title) }

// Host identifies a machine involved in a run.
type Host struct {
	Attributes

	// Hostname is the host's name or address.
	Hostname string
}

// NewHost creates a Host container.
func NewHost(hostname string) *Host {
	return &Host{Attributes: newAttributes(), Hostname: hostname}
}

func (h *Host) ContainerType() string { return TypeHost }

func (h *Host) String() string { return fmt.Sprintf("host:%s", h.Hostname) }

// TicketAttribute is a key/value attribute destined for an external
// tracking system.
type TicketAttribute struct {
	Attributes

	// Name is the attribute name.
	Name string

	// Value is the attribute value.
	Value string
}

// NewTicketAttribute creates a TicketAttribute container.
func NewTicketAttribute(name, value string) *TicketAttribute {
	return &TicketAttribute{Attributes: newAttributes(), Name: name, Value: value}
}

func (t *TicketAttribute) ContainerType() string { return TypeTicketAttribute }

func (t *TicketAttribute) String() string {
	return fmt.Sprintf("ticketattribute:%s", t.Name)
}
