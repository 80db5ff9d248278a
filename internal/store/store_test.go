package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"bankchat/internal/model"
	"bankchat/internal/store"
)

type recordingPersister struct {
	mu       sync.Mutex
	calls    []string
	messages map[string]model.ChatMessage
	fail     error
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{messages: make(map[string]model.ChatMessage)}
}

func (p *recordingPersister) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.fail
}

func (p *recordingPersister) SaveSession(_ context.Context, s model.ChatSession) error {
	return p.record("save-session:" + s.ID)
}

func (p *recordingPersister) DeleteSession(_ context.Context, id string) error {
	return p.record("delete-session:" + id)
}

func (p *recordingPersister) SaveMessage(_ context.Context, m model.ChatMessage) error {
	p.mu.Lock()
	p.messages[m.ID] = m
	p.mu.Unlock()
	return p.record("save-message:" + m.ID)
}

func (p *recordingPersister) DeleteMessage(_ context.Context, _, id string) error {
	return p.record("delete-message:" + id)
}

func (p *recordingPersister) ClearMessages(_ context.Context, id string) error {
	return p.record("clear-messages:" + id)
}

func (p *recordingPersister) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// gatedPersister holds DeleteMessage until gate is closed.
type gatedPersister struct {
	*recordingPersister
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPersister) DeleteMessage(ctx context.Context, sessionID, id string) error {
	err := p.recordingPersister.DeleteMessage(ctx, sessionID, id)
	close(p.entered)
	<-p.gate
	return err
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

var _ = Describe("Store", func() {
	var (
		s         *store.Store
		persister *recordingPersister
		clock     time.Time
	)

	BeforeEach(func() {
		persister = newRecordingPersister()
		clock = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		s = store.New(
			store.WithPersister(persister),
			store.WithIDGenerator(sequentialIDs()),
			store.WithClock(func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			}),
		)
	})

	Describe("CreateSession", func() {
		It("inserts new sessions at the head", func() {
			first := s.CreateSession("first")
			second := s.CreateSession("second")

			sessions := s.Sessions()
			Expect(sessions).To(HaveLen(2))
			Expect(sessions[0].ID).To(Equal(second.ID))
			Expect(sessions[1].ID).To(Equal(first.ID))
			Expect(second.MessageCount).To(BeZero())
		})

		It("defaults a blank title", func() {
			session := s.CreateSession("   ")
			Expect(session.Title).To(Equal(model.DefaultSessionTitle))
		})

		It("starts with an empty message list", func() {
			session := s.CreateSession("")
			msgs, err := s.Messages(session.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})
	})

	Describe("SetCurrentSession", func() {
		It("accepts ids that do not exist", func() {
			s.SetCurrentSession("missing")
			Expect(s.CurrentSessionID()).To(Equal("missing"))
			Expect(s.CurrentMessages()).To(BeEmpty())
		})

		It("projects the current session messages", func() {
			session := s.CreateSession("")
			_, err := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleUser, Content: "hi"})
			Expect(err).ToNot(HaveOccurred())

			s.SetCurrentSession(session.ID)
			current := s.CurrentMessages()
			Expect(current).To(HaveLen(1))
			Expect(current[0].Content).To(Equal("hi"))
		})
	})

	Describe("AddMessage", func() {
		It("assigns id and timestamp and keeps insertion order", func() {
			session := s.CreateSession("t")
			before, _ := s.Session(session.ID)

			a, err := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleUser, Content: "a"})
			Expect(err).ToNot(HaveOccurred())
			b, err := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleAssistant, Content: "b"})
			Expect(err).ToNot(HaveOccurred())

			Expect(a.ID).ToNot(BeEmpty())
			Expect(a.ID).ToNot(Equal(b.ID))
			Expect(a.SessionID).To(Equal(session.ID))
			Expect(a.Timestamp.IsZero()).To(BeFalse())

			msgs, _ := s.Messages(session.ID)
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Content).To(Equal("a"))
			Expect(msgs[1].Content).To(Equal("b"))

			after, _ := s.Session(session.ID)
			Expect(after.MessageCount).To(Equal(2))
			Expect(after.UpdatedAt).To(BeTemporally(">", before.UpdatedAt))
		})

		It("numbers messages per session without reusing numbers", func() {
			first := s.CreateSession("")
			second := s.CreateSession("")

			a, _ := s.AddMessage(first.ID, model.ChatMessage{Content: "a"})
			b, _ := s.AddMessage(first.ID, model.ChatMessage{Content: "b"})
			Expect(s.DeleteMessage(first.ID, b.ID)).To(Succeed())
			c, _ := s.AddMessage(first.ID, model.ChatMessage{Content: "c"})
			other, _ := s.AddMessage(second.ID, model.ChatMessage{Content: "x"})

			Expect(a.Seq).To(Equal(int64(1)))
			Expect(b.Seq).To(Equal(int64(2)))
			Expect(c.Seq).To(Equal(int64(3)))
			Expect(other.Seq).To(Equal(int64(1)))

			persister.mu.Lock()
			defer persister.mu.Unlock()
			Expect(persister.messages[c.ID].Seq).To(Equal(int64(3)))
		})

		It("reports unknown sessions explicitly", func() {
			_, err := s.AddMessage("nope", model.ChatMessage{Content: "x"})
			Expect(err).To(MatchError(store.ErrSessionNotFound))
		})

		It("titles a new chat after its first user message", func() {
			session := s.CreateSession("")
			_, err := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleUser, Content: "What is my balance?"})
			Expect(err).ToNot(HaveOccurred())

			got, _ := s.Session(session.ID)
			Expect(got.Title).To(Equal("What is my balance?"))
		})

		It("truncates long automatic titles", func() {
			session := s.CreateSession("")
			_, _ = s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleUser, Content: strings.Repeat("x", 80)})

			got, _ := s.Session(session.ID)
			Expect(got.Title).To(Equal(strings.Repeat("x", 50) + "..."))
		})

		It("does not persist pending placeholders", func() {
			session := s.CreateSession("")
			placeholder, err := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleAssistant, Pending: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(persister.Calls()).ToNot(ContainElement("save-message:" + placeholder.ID))
		})
	})

	Describe("UpdateMessage", func() {
		It("persists once the message is no longer pending", func() {
			session := s.CreateSession("")
			placeholder, _ := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleAssistant, Pending: true})

			partial := "Your "
			_, err := s.UpdateMessage(session.ID, placeholder.ID, store.MessageUpdate{Content: &partial})
			Expect(err).ToNot(HaveOccurred())
			Expect(persister.Calls()).ToNot(ContainElement("save-message:" + placeholder.ID))

			final := "Your balance"
			done := false
			updated, err := s.UpdateMessage(session.ID, placeholder.ID, store.MessageUpdate{Content: &final, Pending: &done})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.Content).To(Equal(final))
			Expect(updated.Pending).To(BeFalse())
			Expect(persister.Calls()).To(ContainElement("save-message:" + placeholder.ID))
		})

		It("replaces metadata", func() {
			session := s.CreateSession("")
			msg, _ := s.AddMessage(session.ID, model.ChatMessage{Role: model.RoleAssistant, Content: "x"})
			meta := model.MessageMetadata{Sources: []model.RAGSource{{DocumentID: "d1", Page: 2}}}

			_, err := s.UpdateMessage(session.ID, msg.ID, store.MessageUpdate{Metadata: &meta})
			Expect(err).ToNot(HaveOccurred())

			meta.Sources[0].DocumentID = "mutated"
			got, _ := s.Message(session.ID, msg.ID)
			Expect(got.Metadata.Sources).To(Equal([]model.RAGSource{{DocumentID: "d1", Page: 2}}))
		})

		It("rejects unknown messages", func() {
			session := s.CreateSession("")
			content := "x"
			_, err := s.UpdateMessage(session.ID, "nope", store.MessageUpdate{Content: &content})
			Expect(err).To(MatchError(store.ErrMessageNotFound))
		})
	})

	Describe("DeleteMessage and ClearMessages", func() {
		It("recomputes the message count", func() {
			session := s.CreateSession("")
			a, _ := s.AddMessage(session.ID, model.ChatMessage{Content: "a"})
			_, _ = s.AddMessage(session.ID, model.ChatMessage{Content: "b"})

			Expect(s.DeleteMessage(session.ID, a.ID)).To(Succeed())
			got, _ := s.Session(session.ID)
			Expect(got.MessageCount).To(Equal(1))

			Expect(s.ClearMessages(session.ID)).To(Succeed())
			got, _ = s.Session(session.ID)
			Expect(got.MessageCount).To(BeZero())
			msgs, _ := s.Messages(session.ID)
			Expect(msgs).To(BeEmpty())
		})

		It("reports a missing message", func() {
			session := s.CreateSession("")
			Expect(s.DeleteMessage(session.ID, "nope")).To(MatchError(store.ErrMessageNotFound))
			Expect(s.ClearMessages("nope")).To(MatchError(store.ErrSessionNotFound))
		})
	})

	Describe("DeleteSession", func() {
		It("removes messages and resets the current pointer", func() {
			session := s.CreateSession("")
			_, _ = s.AddMessage(session.ID, model.ChatMessage{Content: "a"})
			s.SetCurrentSession(session.ID)

			Expect(s.DeleteSession(session.ID)).To(Succeed())
			Expect(s.CurrentSessionID()).To(BeEmpty())
			Expect(s.Sessions()).To(BeEmpty())
			_, err := s.Messages(session.ID)
			Expect(err).To(MatchError(store.ErrSessionNotFound))
			Expect(persister.Calls()).To(ContainElement("delete-session:" + session.ID))
		})

		It("keeps the current pointer when another session is deleted", func() {
			keep := s.CreateSession("keep")
			drop := s.CreateSession("drop")
			s.SetCurrentSession(keep.ID)

			Expect(s.DeleteSession(drop.ID)).To(Succeed())
			Expect(s.CurrentSessionID()).To(Equal(keep.ID))
		})
	})

	Describe("Hydrate", func() {
		It("loads persisted sessions without writing them back", func() {
			now := time.Now()
			s.Hydrate(
				[]model.ChatSession{{ID: "s1", Title: "old", CreatedAt: now, UpdatedAt: now}},
				map[string][]model.ChatMessage{"s1": {{ID: "m1", Role: model.RoleUser, Content: "hello"}}},
			)

			Expect(persister.Calls()).To(BeEmpty())
			got, err := s.Session("s1")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.MessageCount).To(Equal(1))
			msgs, _ := s.Messages("s1")
			Expect(msgs[0].SessionID).To(Equal("s1"))
		})

		It("continues numbering after the highest loaded message", func() {
			now := time.Now()
			s.Hydrate(
				[]model.ChatSession{{ID: "s1", Title: "old", CreatedAt: now, UpdatedAt: now}},
				map[string][]model.ChatMessage{"s1": {
					{ID: "m1", Role: model.RoleUser, Content: "balance?", Seq: 3},
					{ID: "m2", Role: model.RoleAssistant, Content: "Your balance is $42.", Seq: 4},
				}},
			)

			next, err := s.AddMessage("s1", model.ChatMessage{Role: model.RoleUser, Content: "thanks"})
			Expect(err).ToNot(HaveOccurred())
			Expect(next.Seq).To(Equal(int64(5)))
		})
	})

	Describe("persistence failures", func() {
		It("keeps the in-memory state authoritative", func() {
			persister.fail = fmt.Errorf("db down")
			session := s.CreateSession("")
			_, err := s.AddMessage(session.ID, model.ChatMessage{Content: "still here"})
			Expect(err).ToNot(HaveOccurred())

			msgs, _ := s.Messages(session.ID)
			Expect(msgs).To(HaveLen(1))
		})
	})

	Describe("persistence order", func() {
		It("persists mutations in the order they were applied", func() {
			gated := &gatedPersister{
				recordingPersister: newRecordingPersister(),
				entered:            make(chan struct{}),
				gate:               make(chan struct{}),
			}
			s = store.New(store.WithPersister(gated), store.WithIDGenerator(sequentialIDs()))
			session := s.CreateSession("")
			msg, err := s.AddMessage(session.ID, model.ChatMessage{Content: "hi"})
			Expect(err).ToNot(HaveOccurred())

			deleted := make(chan error, 1)
			go func() { deleted <- s.DeleteMessage(session.ID, msg.ID) }()
			Eventually(gated.entered).Should(BeClosed())

			removed := make(chan error, 1)
			go func() { removed <- s.DeleteSession(session.ID) }()
			Consistently(gated.Calls, 100*time.Millisecond).Should(HaveLen(4))

			close(gated.gate)
			Eventually(deleted).Should(Receive(BeNil()))
			Eventually(removed).Should(Receive(BeNil()))
			Expect(gated.Calls()).To(Equal([]string{
				"save-session:" + session.ID,
				"save-session:" + session.ID,
				"save-message:" + msg.ID,
				"delete-message:" + msg.ID,
				"save-session:" + session.ID,
				"delete-session:" + session.ID,
			}))
		})
	})

	Describe("concurrent use", func() {
		It("serializes mutations", func() {
			session := s.CreateSession("")
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = s.AddMessage(session.ID, model.ChatMessage{Content: fmt.Sprint(i)})
				}(i)
			}
			wg.Wait()

			got, _ := s.Session(session.ID)
			Expect(got.MessageCount).To(Equal(20))
		})
	})
})
