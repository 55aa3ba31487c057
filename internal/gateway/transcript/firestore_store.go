package transcript

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
)

// FirestoreStore persists conversation turns keyed by
// (session id, turn number, role), matching the persisted-state layout
// the core's persistence collaborator contract names. Grounded on
// internal/messaging/service.go's Firestore-backed storage, stripped of
// the chat product's client-side encryption (transcripts here carry no
// such requirement).
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore wraps an existing firestore.Client. collection
// names the top-level transcripts collection (e.g. "survey_transcripts").
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

// turnDoc is the on-disk shape of one persisted transcript record.
type turnDoc struct {
	SessionID  string `firestore:"sessionId"`
	TurnNumber int    `firestore:"turnNumber"`
	Speaker    string `firestore:"speaker"`
	Text       string `firestore:"text"`
	Timestamp  int64  `firestore:"timestamp"`
	IsFinal    bool   `firestore:"isFinal"`
}

// StoreTurn writes one transcript record. Document id is
// "<sessionId>_<turnNumber>_<speaker>" so repeated writes for the same
// fragment overwrite rather than duplicate.
func (s *FirestoreStore) StoreTurn(ctx context.Context, sessionID string, turnNumber int, turn session.ConversationTurn) error {
	docID := fmt.Sprintf("%s_%d_%s", sessionID, turnNumber, turn.Speaker)
	doc := turnDoc{
		SessionID:  sessionID,
		TurnNumber: turnNumber,
		Speaker:    string(turn.Speaker),
		Text:       turn.Text,
		Timestamp:  turn.Timestamp.UnixMilli(),
		IsFinal:    turn.IsFinal,
	}
	_, err := s.client.Collection(s.collection).Doc(docID).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("transcript: firestore write failed: %w", err)
	}
	return nil
}
