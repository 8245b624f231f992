package server

import (
	"errors"
	"net/http"

	"yardstitch/internal/composite"
	"yardstitch/internal/encode"
	"yardstitch/internal/geometry"
	"yardstitch/internal/mosaic"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/yard"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, geometry.ErrInvalidBoundary),
		errors.Is(err, geometry.ErrInvalidOutputSize),
		errors.Is(err, composite.ErrUnsupportedBlendMode),
		errors.Is(err, yard.ErrInvalidDescriptor),
		errors.Is(err, encode.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, mosaic.ErrNoCameras):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
