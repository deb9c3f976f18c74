package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Modality is the kind of input a backend can accept.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// Provider kinds understood by DefaultFactory.
const (
	ProviderOllama  = "ollama"
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
)

// Descriptor is the static configuration of one model backend.
type Descriptor struct {
	Name       string        `toml:"name" json:"name"`
	Provider   string        `toml:"provider" json:"provider"`
	Endpoint   string        `toml:"endpoint" json:"endpoint,omitempty"`
	Model      string        `toml:"model" json:"model"`
	Region     string        `toml:"region" json:"region,omitempty"`
	Modalities []Modality    `toml:"modalities" json:"modalities"`
	Local      bool          `toml:"local" json:"local"`
	Priority   int           `toml:"priority" json:"priority"`
	Timeout    time.Duration `toml:"timeout" json:"-"`
}

// Supports reports whether the backend accepts the given modality.
// Image-capable backends also take plain text.
func (d Descriptor) Supports(m Modality) bool {
	if m == "" {
		m = ModalityText
	}
	for _, have := range d.Modalities {
		if have == m {
			return true
		}
		if m == ModalityText && have == ModalityImage {
			return true
		}
	}
	return false
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch d.Provider {
	case ProviderOllama, ProviderBedrock, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", d.Provider))
	}
	if strings.TrimSpace(d.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if len(d.Modalities) == 0 {
		errs = append(errs, errors.New("at least one modality is required"))
	}
	for _, m := range d.Modalities {
		if m != ModalityText && m != ModalityImage {
			errs = append(errs, fmt.Errorf("unknown modality %q", m))
		}
	}
	if d.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("backend %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}
