package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"
)

type errorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: code, Message: msg})
}

// respond writes v as protobuf or JSON depending on what the client speaks.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	msg, err := toStruct(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "response encoding failed")
		return
	}
	writeProto(w, status, msg)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	respond(w, r, status, errorResponse{OK: false, Error: code, Message: msg})
}

// decodeBody reads a JSON or protobuf (structpb.Struct) request into v.
// Unknown fields are rejected either way.
func decodeBody(r *http.Request, v any) error {
	if isProtobuf(r) {
		var msg structpb.Struct
		if err := readProto(r, &msg); err != nil {
			return err
		}
		return fromStruct(&msg, v)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
