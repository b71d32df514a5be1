package server

import (
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/service"
	"github.com/stowage/stowage/internal/storage"
	"github.com/stowage/stowage/internal/upload"
)

// invalidInput reports whether err is a caller mistake.
func invalidInput(err error) bool {
	var unsupported *storage.UnsupportedProviderError
	return errors.Is(err, provider.ErrInvalidDescriptor) ||
		errors.Is(err, provider.ErrUnsupportedKind) ||
		errors.Is(err, service.ErrInvalidInput) ||
		errors.Is(err, upload.ErrInvalidRequest) ||
		errors.As(err, &unsupported)
}

// storeError maps a metadata store failure to a problem response.
func storeError(err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case invalidInput(err):
		return huma.Error400BadRequest(err.Error())
	}
	slog.Error("Metadata store failure", "error", err)
	return huma.Error500InternalServerError("metadata store failure")
}

// providerError maps a failure that reached a storage provider.
func providerError(err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case invalidInput(err):
		return huma.Error400BadRequest(err.Error())
	}
	return huma.Error502BadGateway(err.Error())
}
