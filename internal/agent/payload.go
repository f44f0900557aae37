package agent

import (
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
)

type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockMedia BlockKind = "media"
)

// Block is one ordered piece of a reply.
type Block struct {
	Kind  BlockKind     `json:"kind"`
	Text  string        `json:"text,omitempty"`
	Media *bus.MediaRef `json:"media,omitempty"`
}

// ReplyPayload accumulates the blocks a turn produces. It is append-only
// while the turn streams and immutable once frozen.
type ReplyPayload struct {
	mu     sync.RWMutex
	blocks []Block
	frozen bool
}

func NewReplyPayload() *ReplyPayload {
	return &ReplyPayload{}
}

// AppendText extends the trailing text block, or starts a new one after a
// media block.
func (p *ReplyPayload) AppendText(s string) error {
	if s == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return ErrPayloadFrozen
	}
	if n := len(p.blocks); n > 0 && p.blocks[n-1].Kind == BlockText {
		p.blocks[n-1].Text += s
		return nil
	}
	p.blocks = append(p.blocks, Block{Kind: BlockText, Text: s})
	return nil
}

func (p *ReplyPayload) AppendMedia(m bus.MediaRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return ErrPayloadFrozen
	}
	p.blocks = append(p.blocks, Block{Kind: BlockMedia, Media: &m})
	return nil
}

// Freeze makes the payload immutable. Calling it twice is harmless.
func (p *ReplyPayload) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

func (p *ReplyPayload) Frozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

// Blocks returns a copy of the blocks in order.
func (p *ReplyPayload) Blocks() []Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Block, len(p.blocks))
	copy(out, p.blocks)
	return out
}

// Text concatenates the text blocks.
func (p *ReplyPayload) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var sb strings.Builder
	for _, b := range p.blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (p *ReplyPayload) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blocks) == 0
}
