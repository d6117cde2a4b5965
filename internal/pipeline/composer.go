package pipeline

import "sync"

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Draft struct {
	Text       string
	Attachment *Attachment
}

// Composer owns the compose box state for one conversation: the current
// draft and the blocked flag shown when the connection has been
// revoked. The pipeline clears the draft on optimistic insert and
// restores it verbatim when the send rolls back.
type Composer struct {
	mu          sync.Mutex
	draft       Draft
	blocked     bool
	blockReason string
}

func NewComposer() *Composer { return &Composer{} }

func (c *Composer) SetDraft(d Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = d
}

func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Composer) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = Draft{}
}

func (c *Composer) restore(d Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = d
}

func (c *Composer) block(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = true
	c.blockReason = reason
}

// Block disables composing with the standard disconnected notice.
func (c *Composer) Block() { c.block(blockedReason) }

// Unblock re-enables composing, e.g. after the users reconnect.
func (c *Composer) Unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = false
	c.blockReason = ""
}

// Blocked reports whether composing is disabled and why.
func (c *Composer) Blocked() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked, c.blockReason
}
