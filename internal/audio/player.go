package audio

import (
	"log/slog"
	"os"
	"sync"

	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// Player plays WAV files serially over a call's media session. Files are
// queued in FIFO order and never overlap; transient files are deleted after
// they have played (or when the queue is flushed). The onStop callback fires
// exactly once each time the player transitions from playing to idle on its
// own — an Interrupt empties the player silently.
//
// Player methods must be serialized by the owner, except HandleEOF-driven
// continuation which the media adapter delivers from its own goroutine.
type Player struct {
	media  telephony.Media
	onStop func()

	mu          sync.Mutex
	queue       []queuedFile
	playing     bool
	tearingDown bool
	gen         int
	current     queuedFile
	playback    telephony.Playback
}

type queuedFile struct {
	path         string
	discardAfter bool
}

// NewPlayer creates a player over the given media session. onStop may be nil.
func NewPlayer(media telephony.Media, onStop func()) *Player {
	return &Player{media: media, onStop: onStop}
}

// Enqueue appends a file to the queue without starting playback.
func (p *Player) Enqueue(path string, discardAfter bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, queuedFile{path: path, discardAfter: discardAfter})
}

// Play starts the next queued file if the player is idle. A failure to open
// one file discards that file only and moves on to the next.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playNextLocked()
}

// IsActive reports whether a file is currently playing.
func (p *Player) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// HasQueue reports whether any file is waiting to play.
func (p *Player) HasQueue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

// Interrupt stops the current playback, flushes the queue and deletes every
// transient file. onStop is not invoked. IsActive reports false as soon as
// Interrupt returns; a late end-of-file from the stopped playback is ignored.
func (p *Player) Interrupt() {
	p.mu.Lock()
	if p.tearingDown {
		p.mu.Unlock()
		return
	}
	p.tearingDown = true
	pb := p.playback
	current := p.current
	wasPlaying := p.playing
	pending := p.queue
	p.queue = nil
	p.playing = false
	p.playback = nil
	p.gen++
	p.mu.Unlock()

	if pb != nil {
		if err := pb.Stop(); err != nil {
			slog.Warn("player: stop playback", "path", current.path, "error", err)
		}
	}
	if wasPlaying {
		removeIfTransient(current)
	}
	for _, item := range pending {
		removeIfTransient(item)
	}

	p.mu.Lock()
	p.tearingDown = false
	p.mu.Unlock()
}

// handleEOF continues with the next file after a playback finished naturally.
// gen identifies the playback that ended; anything stale is dropped.
func (p *Player) handleEOF(gen int) {
	p.mu.Lock()
	if p.tearingDown || gen != p.gen || !p.playing {
		p.mu.Unlock()
		return
	}
	finished := p.current
	p.playing = false
	p.playback = nil
	removeIfTransient(finished)
	p.playNextLocked()
	idle := !p.playing
	onStop := p.onStop
	p.mu.Unlock()

	if idle && onStop != nil {
		onStop()
	}
}

// playNextLocked pops queue items until one starts playing. Caller holds mu.
func (p *Player) playNextLocked() {
	if p.playing || p.tearingDown {
		return
	}
	for len(p.queue) > 0 {
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.gen++
		gen := p.gen
		pb, err := p.media.PlayFile(item.path, func() { p.handleEOF(gen) })
		if err != nil {
			slog.Warn("player: cannot play file, skipping", "path", item.path, "error", err)
			removeIfTransient(item)
			continue
		}
		p.current = item
		p.playback = pb
		p.playing = true
		return
	}
}

// removeIfTransient deletes files marked discard-after-use. Best effort.
func removeIfTransient(item queuedFile) {
	if !item.discardAfter {
		return
	}
	if err := os.Remove(item.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("player: remove transient file", "path", item.path, "error", err)
	}
}
