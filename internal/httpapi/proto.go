package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody caps the request body size for both protobuf and JSON
// payloads. A payment submission is well under 256 bytes.
const maxRequestBody = 4096

const protobufType = "application/x-protobuf"

func isProtoType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == protobufType || mt == "application/protobuf"
}

// isProtobuf returns true if the request body is a protobuf payload.
func isProtobuf(r *http.Request) bool {
	return isProtoType(r.Header.Get("Content-Type"))
}

// wantsProtobuf reports whether the response should be protobuf: the
// client asked for it, or sent protobuf itself.
func wantsProtobuf(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if isProtoType(strings.TrimSpace(part)) {
			return true
		}
	}
	return isProtobuf(r)
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// toStruct renders a JSON-tagged value as a structpb.Struct, so protobuf
// clients see the same field names as JSON clients.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct fills a JSON-tagged value from a structpb.Struct.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
