package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"heatspec/internal/app"
	"heatspec/internal/decision"
	"heatspec/internal/engine"
	"heatspec/internal/milestone"
	"heatspec/internal/repo"
)

// apiCode is one value of the envelope's code field and the status it travels with.
type apiCode struct {
	Status int
	Code   string
	When   string
}

var (
	codeBadRequest = apiCode{http.StatusBadRequest, "bad_request", "the body or parameters are malformed, or a fact or decision failed validation"}
	codeNotFound   = apiCode{http.StatusNotFound, "not_found", "the job graph, fact, decision or conflict does not exist"}
	codeDuplicate  = apiCode{http.StatusConflict, "conflict", "a job graph already exists for the visit"}
	codeStale      = apiCode{http.StatusConflict, "stale_state", "the job graph was saved by another pass; reload and retry"}
	codeNotReady   = apiCode{http.StatusUnprocessableEntity, "not_ready", "critical milestones are incomplete or a critical conflict is unresolved"}
	codeValidation = apiCode{http.StatusUnprocessableEntity, "validation_failed", "a milestone key is not in the catalog"}
	codeInternal   = apiCode{http.StatusInternalServerError, "internal_error", "the store or engine failed unexpectedly"}

	errorCodes = []apiCode{codeBadRequest, codeNotFound, codeDuplicate, codeStale, codeNotReady, codeValidation, codeInternal}
)

func (c apiCode) err(msg string, details map[string]any) huma.StatusError {
	return newAPIError(c.Status, c.Code, msg, details)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_ready" enum:"bad_request,not_found,conflict,stale_state,not_ready,validation_failed,internal_error"`
	Message string         `json:"message" example:"job graph is not ready for outputs"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps service and engine errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, engine.ErrUnknownConflict):
		return codeNotFound.err(msg, nil)
	case errors.Is(err, app.ErrDuplicate):
		return codeDuplicate.err(msg, nil)
	case errors.Is(err, repo.ErrStaleState):
		return codeStale.err(msg, nil)
	case errors.Is(err, engine.ErrNotReady):
		return codeNotReady.err(msg, nil)
	case errors.Is(err, milestone.ErrUnknownMilestone):
		return codeValidation.err(msg, nil)
	case errors.Is(err, app.ErrInvalid), errors.Is(err, decision.ErrInvalidDecision):
		return codeBadRequest.err(msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return codeBadRequest.err(msg, nil)
	}
	return codeInternal.err("internal error", map[string]any{"error": msg})
}

// defaultCodeForStatus picks the code for errors raised by request parsing rather than the service.
func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeBadRequest.Code
	case http.StatusNotFound:
		return codeNotFound.Code
	case http.StatusConflict:
		return codeDuplicate.Code
	case http.StatusUnprocessableEntity:
		return codeValidation.Code
	case http.StatusInternalServerError:
		return codeInternal.Code
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// describeStatus lists the codes a client can see with status.
func describeStatus(status int) string {
	var lines []string
	for _, c := range errorCodes {
		if c.Status == status {
			lines = append(lines, fmt.Sprintf("`%s`: %s", c.Code, c.When))
		}
	}
	if len(lines) == 0 {
		return http.StatusText(status)
	}
	return strings.Join(lines, "\n\n")
}

// documentErrors spells out the envelope codes on each declared error response and
// adds a default response carrying the full code list.
func documentErrors(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	ref := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	statuses := make([]int, 0, len(errorCodes))
	for _, c := range errorCodes {
		if len(statuses) == 0 || statuses[len(statuses)-1] != c.Status {
			statuses = append(statuses, c.Status)
		}
	}
	sort.Ints(statuses)
	var all []string
	for _, s := range statuses {
		all = append(all, fmt.Sprintf("**%d**\n\n%s", s, describeStatus(s)))
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			content := map[string]*huma.MediaType{"application/json": {Schema: ref}}
			for key, resp := range op.Responses {
				status, err := strconv.Atoi(key)
				if err != nil || status < http.StatusBadRequest || resp == nil {
					continue
				}
				resp.Description = describeStatus(status)
				if len(resp.Content) > 0 {
					content = resp.Content
				}
			}
			op.Responses["default"] = &huma.Response{
				Description: strings.Join(all, "\n\n"),
				Content:     content,
			}
		}
	}
}
