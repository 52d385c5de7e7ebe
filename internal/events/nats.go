package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"phaseline/internal/domain"
)

// NATSSink mirrors activity entries to NATS subjects of the form
// <prefix>.<project_id>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "phaseline.activity"
	}
	return &NATSSink{conn: nc, prefix: prefix}
}

// Subject returns the subject an entry is published on.
func (s *NATSSink) Subject(projectID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(projectID), subjectToken(kind))
}

func (s *NATSSink) Publish(_ context.Context, entry domain.ActivityEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	msg := nats.NewMsg(s.Subject(entry.ProjectID, entry.Kind))
	msg.Data = data
	msg.Header.Set("Phaseline-Seq", fmt.Sprintf("%d", entry.Seq))
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// subjectToken keeps ids from splitting or wildcarding a subject.
func subjectToken(v string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(v)
}
