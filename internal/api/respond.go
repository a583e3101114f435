package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

const maxBodyBytes = 4 << 20

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Debug("response encoding failed", slog.Any("error", err))
	}
}

// writeError renders err as {code, message} with the status of its code kind.
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := xerrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func unavailable(what string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, what+" not configured")
}
