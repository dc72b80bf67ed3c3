package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// errorBody is the wire shape of every error response
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Path   string `json:"path,omitempty"`
}

func statusForKind(kind types.Kind) int {
	switch kind {
	case types.KindUnauthenticated:
		return http.StatusUnauthorized
	case types.KindPermissionDenied:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict, types.KindFKViolation:
		return http.StatusConflict
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case types.KindTransient:
		return http.StatusServiceUnavailable
	case types.KindDeadline:
		return http.StatusGatewayTimeout
	default:
		// tamper_detected, key_unknown and internal are all operator
		// problems, not caller problems.
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			zl1 := log.WithComponent("api")
			zl1.Error().Err(err).Msg("encoding response")
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	body := errorBody{Error: string(kind), Detail: "internal error"}

	var te *types.Error
	if errors.As(err, &te) {
		body.Detail = te.Detail
		body.Path = te.Path
	}
	status := statusForKind(kind)
	if status >= 500 {
		zl2 := log.WithComponent("api")
		zl2.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return types.Wrap(types.KindInvalidInput, "malformed JSON body", err)
	}
	return nil
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// pageFromQuery parses limit/offset query parameters with defaults
// and an upper bound.
func pageFromQuery(r *http.Request) storage.Page {
	page := storage.Page{Limit: defaultPageLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Limit = min(n, maxPageLimit)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			page.Offset = n
		}
	}
	return page
}

// pageEnvelope is the standard pagination wrapper. itemsKey is either
// "items" or "events".
func pageEnvelope(itemsKey string, items any, total int, page storage.Page, count int) map[string]any {
	return map[string]any{
		itemsKey:   items,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
		"has_more": page.Offset+count < total,
	}
}
