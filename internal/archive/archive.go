// Package archive persists finished conversation transcripts to object
// storage. Archiving is best effort: failures are logged and never affect
// the session that produced the transcript.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/supabase-community/supabase-go"
)

// Turn is one utterance in a conversation transcript.
type Turn struct {
	Role string    `json:"role"` // "user" | "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type transcriptDoc struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
	Turns     []Turn    `json:"turns"`
}

// Supabase uploads transcript documents to a storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

// NewSupabase returns nil without error when url is empty so callers can
// treat the archiver as optional.
func NewSupabase(url, key, bucket string) (*Supabase, error) {
	if url == "" {
		return nil, nil
	}
	if bucket == "" {
		bucket = "transcripts"
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: bucket}, nil
}

// Archive uploads one session transcript as JSON. Empty transcripts are
// skipped.
func (s *Supabase) Archive(sessionID string, turns []Turn) {
	if s == nil || len(turns) == 0 {
		return
	}
	doc := transcriptDoc{
		SessionID: sessionID,
		StartedAt: turns[0].At,
		EndedAt:   time.Now(),
		Turns:     turns,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[%s] marshal transcript: %v", sessionID, err)
		return
	}

	key := fmt.Sprintf("transcript_%s_%d.json", sessionID, time.Now().Unix())
	_, err = s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		log.Printf("[%s] transcript upload failed: %v", sessionID, err)
		return
	}
	log.Printf("[%s] transcript archived: %s (%d turns)", sessionID, key, len(turns))
}
