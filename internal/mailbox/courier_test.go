package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeAdapter records deliveries and fails on demand.
type fakeAdapter struct {
	provider  string
	delivered []string
	fail      bool
}

func (a *fakeAdapter) Name() string { return a.provider }

func (a *fakeAdapter) Deliver(msg *Message) error {
	if a.fail {
		return errors.New("provider unreachable")
	}
	a.delivered = append(a.delivered, msg.Envelope.ID)
	return nil
}

func TestCourier_DrainOnce_ArchivesDelivered(t *testing.T) {
	s := newTestStore(t)
	adapter := &fakeAdapter{provider: "lark"}
	courier := NewCourier(s, adapter)

	_, err := s.CreateOutbound("lark", validEnvelope(), "reply\n")
	require.NoError(t, err)

	sent, err := courier.DrainOnce()
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, []string{"msg-001"}, adapter.delivered)

	// Delivered message moved to archive, outbound drained.
	remaining, err := s.ListOutbound("lark")
	require.NoError(t, err)
	require.Empty(t, remaining)

	archived, err := filepath.Glob(filepath.Join(s.ArchiveDir("lark"), "*.md"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
}

func TestCourier_DrainOnce_FailureRestoresWithRetryCount(t *testing.T) {
	s := newTestStore(t)
	adapter := &fakeAdapter{provider: "lark", fail: true}
	courier := NewCourier(s, adapter)

	path, err := s.CreateOutbound("lark", validEnvelope(), "reply\n")
	require.NoError(t, err)

	sent, err := courier.DrainOnce()
	require.NoError(t, err)
	require.Zero(t, sent)

	// Restored in place under the same name with the counter bumped.
	msg, err := s.Read(path)
	require.NoError(t, err)
	require.Equal(t, 1, msg.Envelope.RetryCount)

	sent, err = courier.DrainOnce()
	require.NoError(t, err)
	require.Zero(t, sent)

	msg, err = s.Read(path)
	require.NoError(t, err)
	require.Equal(t, 2, msg.Envelope.RetryCount)

	// Recovery: the next pass after the provider comes back delivers it.
	adapter.fail = false
	sent, err = courier.DrainOnce()
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.NoFileExists(t, path)
}

func TestCourier_DrainOnce_QuarantinesUnreadableOutbound(t *testing.T) {
	s := newTestStore(t)
	adapter := &fakeAdapter{provider: "email"}
	courier := NewCourier(s, adapter)

	bad := filepath.Join(s.OutboundDir("email"), "20260206T000000_email_bad.md")
	require.NoError(t, os.WriteFile(bad, []byte("not a message"), 0o644))

	sent, err := courier.DrainOnce()
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Empty(t, adapter.delivered)

	rejected, err := filepath.Glob(filepath.Join(s.RejectedDir("email"), "*.md"))
	require.NoError(t, err)
	require.Len(t, rejected, 1)
}

func TestExecAdapter_RequiresCommand(t *testing.T) {
	_, err := NewExecAdapter("lark", nil)
	require.Error(t, err)
}
