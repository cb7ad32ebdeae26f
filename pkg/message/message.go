// Package message defines the wire format exchanged between a virtual
// device and the message gateway: the common envelope, the four payload
// kinds (DATA, ALERT, REQUEST, RESPONSE), and the severity/priority/
// reliability taxonomies (spec.md §3, §6).
//
// Payloads are a tagged union rather than a shared field-bag struct
// (spec.md §9, "duck-typed alert/data objects"): Kind selects which of
// Data/Alert/Request/Response is populated, and the typed accessors
// never panic: calling the wrong accessor returns (zero, false).
// Malformed input is rejected by Validate.
package message

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

// Kind selects the payload carried by a Message.
type Kind string

const (
	KindData            Kind = "DATA"
	KindAlert           Kind = "ALERT"
	KindRequest         Kind = "REQUEST"
	KindResponse        Kind = "RESPONSE"
	KindResourcesReport Kind = "RESOURCES_REPORT"
)

// Priority orders outbound messages; HIGHEST carries alerts by default.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

// Reliability selects the retry table spec.md §6 pins.
type Reliability string

const (
	ReliabilityNoGuarantee       Reliability = "NO_GUARANTEE"
	ReliabilityBestEffort        Reliability = "BEST_EFFORT"
	ReliabilityGuaranteeDelivery Reliability = "GUARANTEED_DELIVERY"
)

// Direction of travel relative to the device.
type Direction string

const (
	DirectionFromDevice Direction = "FROM_DEVICE"
	DirectionToDevice   Direction = "TO_DEVICE"
)

// Severity is the alert taxonomy: LOW < NORMAL < SIGNIFICANT < CRITICAL,
// with lower rank meaning more severe (spec.md §3).
type Severity string

const (
	SeverityLow         Severity = "LOW"
	SeverityNormal      Severity = "NORMAL"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityCritical    Severity = "CRITICAL"
)

// rank returns the numeric severity rank (1=most severe .. 4=least).
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeveritySignificant:
		return 2
	case SeverityNormal:
		return 3
	case SeverityLow:
		return 4
	default:
		return 3
	}
}

// MoreSevereThan reports whether s outranks other (lower rank wins).
func (s Severity) MoreSevereThan(other Severity) bool {
	return s.rank() < other.rank()
}

// baseRetries is the NO_GUARANTEE starting point; BEST_EFFORT doubles it
// and GUARANTEED_DELIVERY is treated as effectively unbounded.
const baseRetries = 3
const unboundedRetries = 1 << 30

// RemainingRetries returns the initial remaining-retry count for r.
func RemainingRetries(r Reliability) int {
	switch r {
	case ReliabilityBestEffort:
		return 2 * baseRetries
	case ReliabilityGuaranteeDelivery:
		return unboundedRetries
	default:
		return baseRetries
	}
}

const (
	maxKeyBytes    = 2048
	maxStringBytes = 64 * 1024
)

// Envelope carries the fields common to every message kind.
type Envelope struct {
	ID           string            `json:"id"`
	ClientID     uuid.UUID         `json:"clientId"`
	Source       string            `json:"source"`
	Destination  string            `json:"destination"`
	Priority     Priority          `json:"priority"`
	Reliability  Reliability       `json:"reliability"`
	EventTime    time.Time         `json:"eventTime"`
	Sender       string            `json:"sender"`
	Type         Kind              `json:"type"`
	Properties   map[string][]string `json:"properties,omitempty"`
	Diagnostics  map[string]any    `json:"diagnostics,omitempty"`
	Direction    Direction         `json:"direction"`
	ReceivedTime time.Time         `json:"receivedTime,omitzero"`
	SentTime     time.Time         `json:"sentTime,omitzero"`

	// Ordinal is assigned by the gateway from one monotonically
	// increasing counter it keeps for every message it queues, and
	// establishes a stable sort key among equal-priority messages
	// (spec.md §5). It wraps at math.MaxInt64.
	Ordinal int64 `json:"-"`
}

// Message is the tagged union of the four wire payload kinds.
type Message struct {
	Envelope
	data     *DataPayload
	alert    *AlertPayload
	request  *RequestPayload
	response *ResponsePayload
}

// wireMessage is Message's on-the-wire JSON shape: the envelope fields
// plus whichever single payload variant Type selects. MarshalJSON and
// UnmarshalJSON go through this type because Message's payload fields
// are unexported (the tagged-union discipline forbids a public field
// per kind), so the default encoding/json reflection would silently
// drop them.
type wireMessage struct {
	Envelope
	Data     *DataPayload     `json:"data,omitempty"`
	Alert    *AlertPayload    `json:"alert,omitempty"`
	Request  *RequestPayload  `json:"request,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Envelope: m.Envelope,
		Data:     m.data,
		Alert:    m.alert,
		Request:  m.request,
		Response: m.response,
	})
}

func (m *Message) UnmarshalJSON(raw []byte) error {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	m.Envelope = w.Envelope
	m.data = w.Data
	m.alert = w.Alert
	m.request = w.Request
	m.response = w.Response
	return nil
}

// DataPayload fields.
type DataPayload struct {
	Format string         `json:"format"`
	Data   map[string]any `json:"data"`
}

// AlertPayload fields; default severity SIGNIFICANT, default priority
// HIGHEST is applied by NewAlert.
type AlertPayload struct {
	Format      string         `json:"format"`
	Description string         `json:"description,omitempty"`
	Severity    Severity       `json:"severity"`
	Data        map[string]any `json:"data"`
}

// RequestPayload fields for a server-originated REQUEST message.
type RequestPayload struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Params  map[string]string   `json:"params,omitempty"`
	Body    []byte              `json:"body"` // base64 on the wire via json.Marshal's []byte handling
}

// ResponsePayload fields for a device-originated RESPONSE message.
type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	URL        string              `json:"url"`
	RequestID  string              `json:"requestId"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// NewData builds a DATA message.
func NewData(source string, format string, data map[string]any) Message {
	return Message{
		Envelope: Envelope{
			ID:          uuid.NewString(),
			ClientID:    uuid.New(),
			Type:        KindData,
			Source:      source,
			Priority:    PriorityLowest,
			Reliability: ReliabilityBestEffort,
			EventTime:   time.Now().UTC(),
			Direction:   DirectionFromDevice,
		},
		data: &DataPayload{Format: format, Data: data},
	}
}

// NewAlert builds an ALERT message with the spec-mandated defaults.
func NewAlert(source, format string, severity Severity, description string, data map[string]any) Message {
	if severity == "" {
		severity = SeveritySignificant
	}
	return Message{
		Envelope: Envelope{
			ID:          uuid.NewString(),
			ClientID:    uuid.New(),
			Type:        KindAlert,
			Source:      source,
			Priority:    PriorityHighest,
			Reliability: ReliabilityGuaranteeDelivery,
			EventTime:   time.Now().UTC(),
			Direction:   DirectionFromDevice,
		},
		alert: &AlertPayload{Format: format, Severity: severity, Description: description, Data: data},
	}
}

// NewRequest builds a REQUEST message (server-to-device).
func NewRequest(destination, method, url string, headers map[string][]string, body []byte) Message {
	return Message{
		Envelope: Envelope{
			ID:          uuid.NewString(),
			ClientID:    uuid.New(),
			Type:        KindRequest,
			Destination: destination,
			Priority:    PriorityMedium,
			Reliability: ReliabilityGuaranteeDelivery,
			EventTime:   time.Now().UTC(),
			Direction:   DirectionToDevice,
		},
		request: &RequestPayload{Method: method, URL: url, Headers: headers, Body: body},
	}
}

// NewResponse builds a RESPONSE message answering a REQUEST.
func NewResponse(source, requestID, url string, status int, headers map[string][]string, body []byte) Message {
	return Message{
		Envelope: Envelope{
			ID:          uuid.NewString(),
			ClientID:    uuid.New(),
			Type:        KindResponse,
			Source:      source,
			Priority:    PriorityMedium,
			Reliability: ReliabilityBestEffort,
			EventTime:   time.Now().UTC(),
			Direction:   DirectionFromDevice,
		},
		response: &ResponsePayload{StatusCode: status, URL: url, RequestID: requestID, Headers: headers, Body: body},
	}
}

// Data returns the DATA payload and true, or (zero, false) for any other kind.
func (m Message) Data() (DataPayload, bool) {
	if m.data == nil {
		return DataPayload{}, false
	}
	return *m.data, true
}

// Alert returns the ALERT payload and true, or (zero, false) for any other kind.
func (m Message) Alert() (AlertPayload, bool) {
	if m.alert == nil {
		return AlertPayload{}, false
	}
	return *m.alert, true
}

// Request returns the REQUEST payload and true, or (zero, false) for any other kind.
func (m Message) Request() (RequestPayload, bool) {
	if m.request == nil {
		return RequestPayload{}, false
	}
	return *m.request, true
}

// Response returns the RESPONSE payload and true, or (zero, false) for any other kind.
func (m Message) Response() (ResponsePayload, bool) {
	if m.response == nil {
		return ResponsePayload{}, false
	}
	return *m.response, true
}

// Validate enforces the key/value size limits from spec.md §6 and that
// the payload variant for the declared Type is populated; it does not
// check that the other variants are empty.
func (m Message) Validate() error {
	switch m.Type {
	case KindData:
		if m.data == nil {
			return &ierrors.ParseError{Code: ierrors.CodeMalformedStructure, Reason: "data message missing payload"}
		}
		return validateFields(m.data.Data)
	case KindAlert:
		if m.alert == nil {
			return &ierrors.ParseError{Code: ierrors.CodeMissingAlertFormat, Reason: "alert message missing payload"}
		}
		if m.alert.Format == "" {
			return &ierrors.ParseError{Code: ierrors.CodeMissingAlertFormat, Reason: "alert missing format urn"}
		}
		return validateFields(m.alert.Data)
	case KindRequest:
		if m.request == nil {
			return &ierrors.ParseError{Code: ierrors.CodeMalformedStructure, Reason: "request message missing payload"}
		}
	case KindResponse:
		if m.response == nil {
			return &ierrors.ParseError{Code: ierrors.CodeMalformedStructure, Reason: "response message missing payload"}
		}
		if m.response.StatusCode <= 0 {
			return &ierrors.ParseError{Code: ierrors.CodeNonNumericStatusCode, Reason: "non-numeric status code"}
		}
	default:
		return &ierrors.ParseError{Code: ierrors.CodeMalformedStructure, Reason: fmt.Sprintf("unknown message kind %q", m.Type)}
	}
	return nil
}

func validateFields(data map[string]any) error {
	for k, v := range data {
		if len(k) > maxKeyBytes || !utf8.ValidString(k) {
			return &ierrors.ParseError{Code: ierrors.CodeMessageKeyTooLarge, Reason: fmt.Sprintf("key %q exceeds %d bytes or is invalid utf-8", k, maxKeyBytes)}
		}
		if s, ok := v.(string); ok {
			if len(s) > maxStringBytes || !utf8.ValidString(s) {
				return &ierrors.ParseError{Code: ierrors.CodeMessageFieldTooLarge, Reason: fmt.Sprintf("value for key %q exceeds %d bytes or is invalid utf-8", k, maxStringBytes)}
			}
		}
	}
	return nil
}
