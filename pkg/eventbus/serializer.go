package eventbus

import (
	"encoding/json"
	"io"
)

// HostInfo describes the publishing/consuming process, embedded by
// serializers into a reserved header where the wire format permits it
// (§4.C). Readers must tolerate its absence.
type HostInfo struct {
	ApplicationName    string
	ApplicationVersion string
	EnvironmentName    string
	MachineName        string
	LibraryVersion     string
}

// ReservedHeaderHostInfo is the header key serializers use to carry a
// compact encoding of HostInfo (§6 "Reserved headers").
const ReservedHeaderHostInfo = "HostInfo"

// ReservedHeaderActivityId is the header key carrying the W3C trace-parent
// id injected by the transport base pipeline (§6).
const ReservedHeaderActivityId = "ActivityId"

// Serializer converts between an Envelope and a byte stream, declaring a
// content type for the result (§4.C). The default implementation is
// JSONSerializer; hosts may register others per event registration.
type Serializer interface {
	// Serialize writes env to w and returns the content type it used.
	Serialize(w io.Writer, env *Envelope, host HostInfo) (contentType string, err error)

	// Deserialize reads an Envelope from r given its declared content type.
	// Missing fields decode to their empty/absent value.
	Deserialize(r io.Reader, contentType string) (*Envelope, error)
}

// JSONContentType is the content type declared by JSONSerializer.
const JSONContentType = "application/json; charset=utf-8"

// JSONSerializer is the default Serializer: a JSON envelope
// { Id, RequestId, CorrelationId, ConversationId, InitiatorId, Sent,
// Expires, Headers, Event } as specified in §6.
type JSONSerializer struct{}

// NewJSONSerializer returns the default serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) Serialize(w io.Writer, env *Envelope, host HostInfo) (string, error) {
	out := *env
	if out.Headers == nil {
		out.Headers = map[string]string{}
	} else {
		clone := make(map[string]string, len(out.Headers))
		for k, v := range out.Headers {
			clone[k] = v
		}
		out.Headers = clone
	}
	if hostInfoJSON, err := json.Marshal(host); err == nil {
		out.Headers[ReservedHeaderHostInfo] = string(hostInfoJSON)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(&out); err != nil {
		return "", err
	}
	return JSONContentType, nil
}

func (s *JSONSerializer) Deserialize(r io.Reader, contentType string) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	return &env, nil
}
