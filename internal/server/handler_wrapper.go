package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/maruel/datasync/internal/errors"
)

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, In) (*Out, error)
// where In can be unmarshalled from JSON and Out is a struct.
// Route parameters are copied into string fields tagged `path:"name"` and
// query parameters into fields tagged `query:"name"`.
//
// Example:
//
//	type GetStoreRequest struct {
//	    StoreID string `json:"-" path:"storeID"`
//	    Path    string `json:"-" query:"path"`
//	}
//
//	func (h *Handler) Get(ctx context.Context, req GetStoreRequest) (*Response, error)
func Wrap[In any, Out any](fn func(context.Context, In) (*Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(r.Body)
		if err2 := r.Body.Close(); err == nil {
			err = err2
		}
		if err != nil {
			slog.ErrorContext(ctx, "Failed to read request body", "err", err)
			writeError(w, apierrors.BadRequest("Failed to read request body").Wrap(err))
			return
		}
		var input In
		if len(bytes.TrimSpace(body)) > 0 {
			d := json.NewDecoder(bytes.NewReader(body))
			d.DisallowUnknownFields()
			if err := d.Decode(&input); err != nil {
				slog.WarnContext(ctx, "Failed to decode request body", "err", err)
				writeError(w, apierrors.BadRequest("Invalid request body"))
				return
			}
		}

		populatePathParams(r, &input)
		populateQueryParams(r, &input)

		output, err := fn(ctx, input)
		if err != nil {
			statusCode := http.StatusInternalServerError
			errorCode := apierrors.ErrInternal
			details := make(map[string]any)

			var ewsErr apierrors.ErrorWithStatus
			if errors.As(err, &ewsErr) {
				statusCode = ewsErr.StatusCode()
				errorCode = ewsErr.Code()
				if d := ewsErr.Details(); d != nil {
					details = d
				}
			}
			if statusCode >= http.StatusInternalServerError {
				slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
			} else {
				slog.InfoContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
			}
			writeErrorResponseWithCode(w, statusCode, errorCode, err.Error(), details)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(output); err != nil {
			slog.ErrorContext(ctx, "Failed to encode response", "err", err)
		}
	})
}

// populatePathParams copies chi route parameters into string fields tagged
// with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	elem, ok := structElem(input)
	if !ok {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" || field.Type.Kind() != reflect.String {
			continue
		}
		if v := chi.URLParam(r, tag); v != "" {
			elem.Field(i).SetString(v)
		}
	}
}

// populateQueryParams extracts query parameters from the request and populates
// struct fields tagged with `query:"paramName"`.
func populateQueryParams(r *http.Request, input any) {
	elem, ok := structElem(input)
	if !ok {
		return
	}
	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		paramValue := query.Get(tag)
		if paramValue == "" {
			continue
		}
		//nolint:exhaustive // Only string, int and bool are supported for query params
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int:
			if intVal, err := strconv.Atoi(paramValue); err == nil {
				elem.Field(i).SetInt(int64(intVal))
			}
		case reflect.Bool:
			if b, err := strconv.ParseBool(paramValue); err == nil {
				elem.Field(i).SetBool(b)
			}
		default:
		}
	}
}

func structElem(input any) (reflect.Value, bool) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return reflect.Value{}, false
	}
	elem := val.Elem()
	return elem, elem.Kind() == reflect.Struct
}

// writeErrorResponseWithCode writes a detailed error response as JSON with code and details.
func writeErrorResponseWithCode(w http.ResponseWriter, statusCode int, code apierrors.ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if len(details) > 0 {
		response["details"] = details
	}
	_ = json.NewEncoder(w).Encode(response)
}
