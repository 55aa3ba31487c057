// Package questionnaire provides minimal, in-memory implementations of
// session.QuestionnaireLoader and session.PromptLoader. The
// questionnaire-authoring system and prompt-template store are
// external collaborators specified only at their interface; this
// package satisfies that interface without reimplementing either.
package questionnaire

import (
	"context"
	"fmt"
	"sync"

	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
)

// StaticLoader serves questionnaires from an in-memory map, keyed by
// id. A production deployment swaps this for a client against the
// actual questionnaire-authoring service; nothing else in the gateway
// depends on the concrete type.
type StaticLoader struct {
	mu             sync.RWMutex
	questionnaires map[string]*session.Questionnaire
}

// NewStaticLoader builds a loader from a fixed set of questionnaires.
func NewStaticLoader(questionnaires ...*session.Questionnaire) *StaticLoader {
	l := &StaticLoader{questionnaires: make(map[string]*session.Questionnaire)}
	for _, q := range questionnaires {
		l.questionnaires[q.ID] = q
	}
	return l
}

// Load returns the questionnaire for id, or an error if unknown.
func (l *StaticLoader) Load(ctx context.Context, questionnaireID string) (*session.Questionnaire, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.questionnaires[questionnaireID]
	if !ok {
		return nil, fmt.Errorf("questionnaire: unknown id %q", questionnaireID)
	}
	return q, nil
}

// Put registers or replaces a questionnaire, for admin-driven updates.
func (l *StaticLoader) Put(q *session.Questionnaire) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.questionnaires[q.ID] = q
}

// StaticPrompts serves one fixed system-prompt template regardless of
// questionnaire id or language folder, as a stand-in for the real
// prompt-template store.
type StaticPrompts struct {
	Template string
}

// Load returns the configured template text, ignoring the requested
// questionnaire id and language folder.
func (p *StaticPrompts) Load(ctx context.Context, questionnaireID, folder string) (string, error) {
	if p.Template == "" {
		return fmt.Sprintf("You are conducting a voice survey (%s, %s).", questionnaireID, folder), nil
	}
	return p.Template, nil
}
