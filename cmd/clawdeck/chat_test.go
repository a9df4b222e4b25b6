package main

import (
	"sync"
	"testing"

	chatsync "github.com/clawdeck/chatsync"
	"github.com/stretchr/testify/assert"
)

func reply(id, text string) chatsync.Message {
	return chatsync.Message{
		ID:       id,
		ServerID: id,
		Role:     chatsync.RoleAssistant,
		Content:  []chatsync.ContentPart{chatsync.TextPart(text)},
	}
}

func TestSessionRenderAndSeedConcurrently(t *testing.T) {
	s := &session{printed: make(map[string]bool)}
	history := []chatsync.Message{reply("s1", "old answer")}
	live := []chatsync.Message{reply("s1", "old answer"), reply("s2", "new answer")}

	// render runs on the engine loop while seed runs on the command goroutine.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.render(live)
		}()
		go func() {
			defer wg.Done()
			s.markShown(history)
		}()
	}
	wg.Wait()

	assert.True(t, s.printed["s1"])
	assert.True(t, s.printed["s2"])
	assert.Len(t, s.printed, 2)
}

func TestSessionRenderSkipsPendingAndUserMessages(t *testing.T) {
	s := &session{printed: make(map[string]bool)}
	sending := chatsync.Message{ID: "c1", ClientID: "c1", Role: chatsync.RoleAssistant, Status: chatsync.StatusSending}
	user := chatsync.Message{ID: "u1", ServerID: "u1", Role: chatsync.RoleUser}

	s.render([]chatsync.Message{user, sending, reply("s1", "hi")})

	assert.Equal(t, map[string]bool{"s1": true}, s.printed)
}
