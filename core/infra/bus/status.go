package bus

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

// StatusSubjectPrefix prefixes every per-tenant status subject.
const StatusSubjectPrefix = "pdp.status."

// Event kinds carried in StatusEvent.Kind.
const (
	EventStatus  = "status"
	EventRemoved = "removed"
)

// Publisher is the publishing half of NatsBus.
type Publisher interface {
	Publish(subject string, msg proto.Message) error
}

// StatusEvent is a decoded status message.
type StatusEvent struct {
	Kind       string
	InstanceID string
	EmittedAt  time.Time
	Status     voter.Status
}

// StatusSubject returns the subject for pdpID. Characters with meaning in
// NATS subjects are replaced so one tenant maps to exactly one token.
func StatusSubject(pdpID string) string {
	return StatusSubjectPrefix + subjectToken(pdpID)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// StatusPublisher broadcasts status transitions. It implements
// voter.StatusListener.
type StatusPublisher struct {
	pub      Publisher
	instance string
	now      func() time.Time
}

func NewStatusPublisher(pub Publisher, instanceID string) *StatusPublisher {
	return &StatusPublisher{pub: pub, instance: instanceID, now: time.Now}
}

func (p *StatusPublisher) OnStatus(st voter.Status) {
	p.publish(StatusEvent{Kind: EventStatus, Status: st})
}

func (p *StatusPublisher) OnRemoved(pdpID string) {
	p.publish(StatusEvent{Kind: EventRemoved, Status: voter.Status{PdpID: pdpID}})
}

func (p *StatusPublisher) publish(ev StatusEvent) {
	ev.InstanceID = p.instance
	ev.EmittedAt = p.now().UTC()
	msg, err := EncodeStatusEvent(ev)
	if err != nil {
		logging.Error("bus", "encode status event failed", "pdp_id", ev.Status.PdpID, "error", err)
		return
	}
	if err := p.pub.Publish(StatusSubject(ev.Status.PdpID), msg); err != nil {
		logging.Error("bus", "publish status event failed", "pdp_id", ev.Status.PdpID, "error", err)
	}
}

// EncodeStatusEvent renders ev as a protobuf Struct.
func EncodeStatusEvent(ev StatusEvent) (*structpb.Struct, error) {
	st := ev.Status
	fields := map[string]any{
		"kind":        ev.Kind,
		"instance_id": ev.InstanceID,
		"emitted_at":  formatTime(ev.EmittedAt),
		"pdp_id":      st.PdpID,
	}
	if ev.Kind == EventStatus {
		fields["state"] = string(st.State)
		fields["configuration_id"] = st.ConfigurationID
		fields["combining_algorithm"] = st.CombiningAlgorithm
		fields["document_count"] = st.DocumentCount
		fields["last_successful_load"] = formatTime(st.LastSuccessfulLoad)
		fields["last_failed_load"] = formatTime(st.LastFailedLoad)
		fields["last_error"] = st.LastError
	}
	return structpb.NewStruct(fields)
}

// DecodeStatusEvent parses a payload produced by a StatusPublisher.
func DecodeStatusEvent(data []byte) (StatusEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return StatusEvent{}, fmt.Errorf("decode status event: %w", err)
	}
	f := s.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	ev := StatusEvent{
		Kind:       str("kind"),
		InstanceID: str("instance_id"),
		Status: voter.Status{
			PdpID:              str("pdp_id"),
			State:              voter.State(str("state")),
			ConfigurationID:    str("configuration_id"),
			CombiningAlgorithm: str("combining_algorithm"),
			DocumentCount:      int(f["document_count"].GetNumberValue()),
			LastError:          str("last_error"),
		},
	}
	if ev.Kind != EventStatus && ev.Kind != EventRemoved {
		return StatusEvent{}, fmt.Errorf("decode status event: unknown kind %q", ev.Kind)
	}
	var err error
	if ev.EmittedAt, err = parseTime(str("emitted_at")); err != nil {
		return StatusEvent{}, err
	}
	if ev.Status.LastSuccessfulLoad, err = parseTime(str("last_successful_load")); err != nil {
		return StatusEvent{}, err
	}
	if ev.Status.LastFailedLoad, err = parseTime(str("last_failed_load")); err != nil {
		return StatusEvent{}, err
	}
	return ev, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode status event time: %w", err)
	}
	return t, nil
}
