// Package server exposes a Detector over HTTP.
//
// Routes:
//
//	GET  /healthz      liveness and accelerator state
//	GET  /v1/devices   compute platforms and devices
//	POST /v1/detect    image body in, PNG shadow mask out
//	POST /v1/tsai      image body in, PNG Tsai mask out
//
// Image bodies may be raw bytes, multipart form data with a "file" part,
// or JSON {"image": "<base64>"}. The optional "max" query parameter
// downscales the image to fit within max x max pixels first.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/gpu"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 32 << 20

// Config configures a Server.
type Config struct {
	Detector *sd.Detector
	// Devices lists the compute devices for /v1/devices. Nil reports none.
	Devices      func() []gpu.PlatformInfo
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server is the HTTP front end of one Detector. Detector calls are
// serialized.
type Server struct {
	cfg    Config
	mu     sync.Mutex
	router *mux.Router
	log    *slog.Logger
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Accelerator string `json:"accelerator,omitempty"`
	Model       bool   `json:"model"`
}

// DeviceResponse is one platform in /v1/devices.
type DeviceResponse struct {
	Index   int      `json:"index"`
	Name    string   `json:"name"`
	Devices []Device `json:"devices"`
}

// Device is one device of a platform.
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

// New returns a server for cfg. cfg.Detector must not be nil.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = sd.Logger()
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/detect", s.handleMask(s.detect)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tsai", s.handleMask(s.tsai)).Methods(http.MethodPost)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Version: sd.Version, Model: s.cfg.Detector.Model() != nil}
	if a := s.cfg.Detector.Accelerator(); a != nil {
		resp.Accelerator = a.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	out := []DeviceResponse{}
	if s.cfg.Devices != nil {
		for _, p := range s.cfg.Devices() {
			dr := DeviceResponse{Index: p.Index, Name: p.Name, Devices: []Device{}}
			for _, d := range p.Devices {
				dr.Devices = append(dr.Devices, Device{Index: d.Index, Name: d.Name, Class: d.Class.String()})
			}
			out = append(out, dr)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type maskFunc func(r *http.Request, img *bitmap.Bitmap) (*bitmap.Bitmap, error)

func (s *Server) detect(r *http.Request, img *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	return s.cfg.Detector.Detect(r.Context(), img)
}

func (s *Server) tsai(_ *http.Request, img *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	return s.cfg.Detector.Tsai(img)
}

func (s *Server) handleMask(fn maskFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		data, err := readImage(w, r, s.cfg.MaxBodyBytes)
		if err != nil {
			sendError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}
		img, err := bitmap.Decode(bytes.NewReader(data))
		if err != nil {
			sendError(w, "invalid_image", "failed to decode image", http.StatusBadRequest)
			return
		}
		if v := r.URL.Query().Get("max"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				sendError(w, "invalid_request", fmt.Sprintf("invalid max %q", v), http.StatusBadRequest)
				return
			}
			img = img.Fit(n, n)
		}

		s.mu.Lock()
		mask, err := fn(r, img)
		s.mu.Unlock()
		if err != nil {
			code, status := classify(err)
			s.log.Warn("server: request failed", "path", r.URL.Path, "err", err)
			sendError(w, code, err.Error(), status)
			return
		}

		var buf bytes.Buffer
		if err := mask.Encode(&buf, imaging.PNG); err != nil {
			sendError(w, "encode_error", err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		_, _ = w.Write(buf.Bytes())
		s.log.Debug("server: mask served", "path", r.URL.Path,
			"width", mask.Width(), "height", mask.Height(), "elapsed", time.Since(start))
	}
}

// classify maps an error kind to a response code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, sd.ErrInvalidImageFormat), errors.Is(err, sd.ErrImageSizeMismatch):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, sd.ErrNotInitialized):
		return "not_ready", http.StatusServiceUnavailable
	case errors.Is(err, sd.ErrAllocation):
		return "too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled", http.StatusServiceUnavailable
	}
	return "processing_error", http.StatusInternalServerError
}

func readImage(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(req.Image)
	case "multipart/form-data":
		r.Body = body
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
