package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"yardstitch/internal/encode"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/yard"

	"github.com/gorilla/mux"
)

const maxDescriptorBytes = 4 << 20

// MosaicRequest is the body of the mosaic and job endpoints. Yard is only
// read by POST /mosaic, which stitches an unsaved descriptor.
type MosaicRequest struct {
	Yard    *yard.Descriptor `json:"yard,omitempty"`
	Type    string           `json:"type,omitempty"`
	Output  string           `json:"output,omitempty"`
	Options map[string]any   `json:"options,omitempty"`
}

func (s *Server) setupYardRoutes(r *mux.Router) {
	r.HandleFunc("/yards", s.handleListYards).Methods("GET")
	r.HandleFunc("/yards/{id}", s.handleGetYard).Methods("GET")
	r.HandleFunc("/yards/{id}", s.handlePutYard).Methods("PUT")
	r.HandleFunc("/yards/{id}", s.handleDeleteYard).Methods("DELETE")
	r.HandleFunc("/yards/{id}/mosaic", s.handleYardMosaic).Methods("POST")
	r.HandleFunc("/yards/{id}/jobs", s.handleYardJob).Methods("POST")
	r.HandleFunc("/mosaic", s.handleInlineMosaic).Methods("POST")
}

func (s *Server) handleListYards(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListYards()
	if err != nil {
		writeError(w, err)
		return
	}
	type entry struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		CameraCount int    `json:"camera_count"`
		UpdatedAt   string `json:"updated_at"`
	}
	out := make([]entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, entry{ID: rec.ID, Name: rec.Name, CameraCount: rec.CameraCount, UpdatedAt: rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetYard(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Yard(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Descriptor)
}

// handlePutYard stores a JSON or YAML descriptor under the path id. A body id
// that disagrees with the path is rejected.
func (s *Server) handlePutYard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDescriptorBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := yard.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if d.ID == "" {
		d.ID = yard.ID(id)
	}
	if string(d.ID) != id {
		writeError(w, fmt.Errorf("%w: body id %q does not match path id %q", yard.ErrInvalidDescriptor, d.ID, id))
		return
	}
	if err := s.store.SaveYard(d); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("yard stored", "yard", id, "cameras", len(d.Cameras))
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteYard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteYard(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleYardMosaic(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.Yard(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveMosaic(w, r, rec.Descriptor, req.Options)
}

func (s *Server) handleInlineMosaic(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Yard == nil {
		writeError(w, fmt.Errorf("%w: request has no yard", yard.ErrInvalidDescriptor))
		return
	}
	s.serveMosaic(w, r, *req.Yard, req.Options)
}

// serveMosaic stitches synchronously and answers with the encoded image.
// Coverage figures travel in response headers.
func (s *Server) serveMosaic(w http.ResponseWriter, r *http.Request, d yard.Descriptor, options map[string]any) {
	opts, err := pipeline.OptionsFromMap(s.defaults, options)
	if err != nil {
		writeError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}

	res, err := s.engine.Stitch(r.Context(), d, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := encode.Encode(&buf, res.Image, format); err != nil {
		writeError(w, err)
		return
	}

	ct := mime.TypeByExtension("." + format)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Yardstitch-Width", strconv.Itoa(res.Canvas.Width))
	w.Header().Set("X-Yardstitch-Height", strconv.Itoa(res.Canvas.Height))
	w.Header().Set("X-Yardstitch-Covered", strconv.Itoa(res.Covered))
	w.Header().Set("X-Yardstitch-Cameras", fmt.Sprintf("%d/%d", res.Contributing(), len(res.Cameras)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// handleYardJob queues a stitch or inspect job for a stored yard and returns
// its id immediately.
func (s *Server) handleYardJob(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job pipeline not running", http.StatusServiceUnavailable)
		return
	}
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.Yard(id); err != nil {
		writeError(w, err)
		return
	}
	jobType := pipeline.JobType(req.Type)
	switch jobType {
	case "":
		jobType = pipeline.JobStitch
	case pipeline.JobStitch, pipeline.JobInspect:
	default:
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	if _, err := pipeline.OptionsFromMap(s.defaults, req.Options); err != nil {
		writeError(w, err)
		return
	}

	job := pipeline.Job{
		ID:      pipeline.NewJobID(string(jobType)),
		Type:    jobType,
		YardID:  id,
		Output:  req.Output,
		Options: req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "type": string(job.Type), "yard": id})
}

// decodeRequest reads an optional JSON MosaicRequest; an empty body yields
// the zero request.
func decodeRequest(r *http.Request) (MosaicRequest, error) {
	var req MosaicRequest
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxDescriptorBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: %v", yard.ErrInvalidDescriptor, err)
	}
	return req, nil
}
