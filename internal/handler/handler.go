package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/judge"
	"github.com/coderunr/judger/internal/language"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/version"
)

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	judgeManager *judge.Manager
	config       *config.Config
	logger       *logrus.Logger
}

// NewHandler creates a new handler instance
func NewHandler(judgeManager *judge.Manager, cfg *config.Config, logger *logrus.Logger) *Handler {
	return &Handler{
		judgeManager: judgeManager,
		config:       cfg,
		logger:       logger,
	}
}

// GetVersion returns the API version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": "judger v" + version.Version}, http.StatusOK)
}

// Judge runs a submission and compares its output with the expected output
func (h *Handler) Judge(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, types.ModeJudge)
}

// Run runs a submission and returns what it printed
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, types.ModeRun)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, mode types.Mode) {
	var request types.JudgeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	result, err := h.dispatch(r.Context(), mode, &request, nil)
	if err != nil {
		status := statusFor(err)
		if result != nil {
			h.logger.WithError(err).Error("Submission failed")
			h.sendJSON(w, result, status)
			return
		}
		h.sendError(w, err.Error(), status)
		return
	}

	h.sendJSON(w, result, http.StatusOK)
}

// dispatch applies the request-level policy shared by HTTP and websocket
// callers, then hands the submission to the judge
func (h *Handler) dispatch(ctx context.Context, mode types.Mode, request *types.JudgeRequest, observer judge.Observer) (*types.Result, error) {
	if err := request.Validate(mode); err != nil {
		return nil, err
	}
	if request.UsesPaths() && !h.config.AllowPathInputs {
		return nil, errPathInputsDisabled
	}

	opts := []judge.Option{judge.WithVersion(request.Version)}
	if observer != nil {
		opts = append(opts, judge.WithObserver(observer))
	}

	if mode == types.ModeRun {
		return h.judgeManager.CustomRun(ctx, &request.Submission, opts...)
	}
	return h.judgeManager.Judge(ctx, &request.Submission, opts...)
}

// GetLanguages returns the registered languages
func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) {
	profiles := h.judgeManager.Registry().List()

	response := make([]types.LanguageInfo, len(profiles))
	for i, p := range profiles {
		response[i] = types.LanguageInfo{
			Language:  p.Language(),
			Version:   p.Version().String(),
			Aliases:   p.Aliases(),
			Extension: p.Extension(),
			Compiled:  p.Compiled(),
		}
	}

	h.sendJSON(w, response, http.StatusOK)
}

var errPathInputsDisabled = errors.New("path inputs are disabled on this server")

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	var fault *judge.FaultError
	switch {
	case errors.As(err, &fault):
		return http.StatusInternalServerError
	case errors.Is(err, errPathInputsDisabled):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidSubmission), errors.Is(err, language.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, types.ErrorResponse{
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
