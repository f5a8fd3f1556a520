package mailbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/IndenScale/monoco/internal/log"
)

// Handle represents one claimed outbound message. The claim protocol moves
// the file into a hidden .sending/ sibling so concurrent courier instances
// never double-deliver.
type Handle struct {
	provider     string
	originalName string
	sendingPath  string
}

// SendingPath returns the current location of the claimed file.
func (h *Handle) SendingPath() string { return h.sendingPath }

// ClaimOutbound takes ownership of an outbound message by renaming it into
// the provider's .sending/ directory. Returns the parsed message and a
// handle for ReleaseOutbound. A rename failure (e.g. another courier claimed
// first) is returned as an error; the caller simply skips the message.
func (s *Store) ClaimOutbound(path string) (*Message, *Handle, error) {
	provider := ProviderFromPath(path)
	sendingDir := filepath.Join(s.OutboundDir(provider), dirSending)
	if err := os.MkdirAll(sendingDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating sending dir: %w", err)
	}

	dest := filepath.Join(sendingDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return nil, nil, fmt.Errorf("claiming %s: %w", path, err)
	}

	msg, err := s.Read(dest)
	if err != nil {
		// Unreadable after claim: quarantine rather than looping forever. The
		// file sits under .sending/ now, so the provider must be passed
		// explicitly instead of derived from the path.
		rejectedDir := s.RejectedDir(provider)
		if mkErr := os.MkdirAll(rejectedDir, 0o755); mkErr != nil {
			log.ErrorErr(log.CatMail, "failed to create rejected dir", mkErr, "dir", rejectedDir)
		} else if mvErr := os.Rename(dest, filepath.Join(rejectedDir, filepath.Base(dest))); mvErr != nil {
			log.ErrorErr(log.CatMail, "failed to quarantine unreadable outbound", mvErr, "path", dest)
		} else {
			log.Warn(log.CatMail, "unreadable outbound quarantined", "path", dest)
		}
		return nil, nil, err
	}

	return msg, &Handle{
		provider:     provider,
		originalName: filepath.Base(path),
		sendingPath:  dest,
	}, nil
}

// ReleaseOutbound completes a claim. On success the message is archived; on
// failure it is restored to outbound/ with x-retry-count incremented in the
// front matter (initial value 1) so the next courier pass retries it.
func (s *Store) ReleaseOutbound(h *Handle, success bool) error {
	if success {
		if _, err := s.MoveToArchive(h.sendingPath); err != nil {
			return fmt.Errorf("archiving sent message: %w", err)
		}
		return nil
	}

	msg, err := s.Read(h.sendingPath)
	if err != nil {
		return fmt.Errorf("re-reading claimed message: %w", err)
	}

	env := msg.Envelope
	env.RetryCount++

	raw, err := Render(env, msg.Body)
	if err != nil {
		return err
	}

	// Rewrite with the bumped retry counter, then restore to outbound/.
	// The file lives in .sending/ during the rewrite so the outbound
	// immutability rule is preserved.
	if err := os.WriteFile(h.sendingPath, raw, 0o644); err != nil { //nolint:gosec // G306: mailbox files are operator-readable
		return fmt.Errorf("updating retry count: %w", err)
	}

	restored := filepath.Join(s.OutboundDir(h.provider), h.originalName)
	if err := os.Rename(h.sendingPath, restored); err != nil {
		return fmt.Errorf("restoring outbound message: %w", err)
	}

	log.Warn(log.CatMail, "outbound delivery failed, restored for retry",
		"path", restored, "retryCount", env.RetryCount)
	return nil
}

// ProviderAdapter delivers an outbound message to an external messaging
// system. Implementations live outside the core; the courier only depends on
// this contract.
type ProviderAdapter interface {
	Name() string
	Deliver(msg *Message) error
}

// Courier drains outbound/ for one provider, claiming each message and
// invoking the adapter. It is safe to run multiple courier instances
// concurrently; the claim rename arbitrates ownership.
type Courier struct {
	store   *Store
	adapter ProviderAdapter
}

// NewCourier creates a courier for the adapter's provider.
func NewCourier(store *Store, adapter ProviderAdapter) *Courier {
	return &Courier{store: store, adapter: adapter}
}

// DrainOnce attempts delivery of every outbound message currently visible
// for the provider. Returns the number of successful deliveries.
func (c *Courier) DrainOnce() (int, error) {
	paths, err := c.store.ListOutbound(c.adapter.Name())
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, path := range paths {
		msg, handle, err := c.store.ClaimOutbound(path)
		if err != nil {
			// Lost the claim race or unreadable; move on.
			log.Debug(log.CatMail, "skipping outbound message", "path", path, "reason", err)
			continue
		}

		deliverErr := c.adapter.Deliver(msg)
		if releaseErr := c.store.ReleaseOutbound(handle, deliverErr == nil); releaseErr != nil {
			log.ErrorErr(log.CatMail, "failed to release outbound claim", releaseErr, "path", path)
			continue
		}
		if deliverErr == nil {
			sent++
		} else {
			log.ErrorErr(log.CatMail, "outbound delivery failed", deliverErr, "path", path)
		}
	}
	return sent, nil
}
