package ensemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	domsvc "PolyPulse/internal/domain/service"
	xhttp "PolyPulse/pkg/http"
)

// FileSource reads the artifact and optional normalization document from disk.
type FileSource struct {
	ModelPath string
	NormPath  string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, []byte, error) {
	if s.ModelPath == "" {
		return nil, nil, ErrUnavailable
	}
	doc, err := os.ReadFile(s.ModelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnavailable, s.ModelPath)
		}
		return nil, nil, fmt.Errorf("read model: %w", err)
	}
	var norm []byte
	if s.NormPath != "" {
		if norm, err = os.ReadFile(s.NormPath); err != nil {
			return nil, nil, fmt.Errorf("read normalization: %w", err)
		}
	}
	return doc, norm, nil
}

// HTTPSource downloads the artifact and optional normalization document.
type HTTPSource struct {
	ModelURL string
	NormURL  string
	Client   *xhttp.Client
}

func (s HTTPSource) Fetch(ctx context.Context) ([]byte, []byte, error) {
	if s.ModelURL == "" {
		return nil, nil, ErrUnavailable
	}
	client := s.Client
	if client == nil {
		client = xhttp.NewClient()
	}
	doc, err := client.GetBytes(ctx, s.ModelURL)
	if err != nil {
		return nil, nil, fmt.Errorf("download model: %w", err)
	}
	var norm []byte
	if s.NormURL != "" {
		if norm, err = client.GetBytes(ctx, s.NormURL); err != nil {
			return nil, nil, fmt.Errorf("download normalization: %w", err)
		}
	}
	return doc, norm, nil
}

// NewSource picks an HTTP or file source from the location scheme.
func NewSource(model, norm string, client *xhttp.Client) domsvc.ModelSource {
	if strings.HasPrefix(model, "http://") || strings.HasPrefix(model, "https://") {
		return HTTPSource{ModelURL: model, NormURL: norm, Client: client}
	}
	return FileSource{ModelPath: model, NormPath: norm}
}
