package registry

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/chardev/internal/journal"
	"github.com/srediag/chardev/pkg/chardev"
)

type RegistryTestSuite struct {
	suite.Suite
	reg  *Registry
	dev  *chardev.Device
	diag *journal.Journal
}

func (s *RegistryTestSuite) SetupTest() {
	dev, err := chardev.New(&chardev.Config{Name: "ut", BufferCap: 16, DebugLevel: 0})
	s.Require().NoError(err)
	s.dev = dev
	s.diag = journal.New(32)
	s.reg = New(s.diag)
	_, err = s.reg.Add(dev)
	s.Require().NoError(err)
}

func (s *RegistryTestSuite) TestMajorNumbersAreUniqueAndAssigned() {
	major, err := s.reg.Major("ut")
	s.Require().NoError(err)
	s.Require().GreaterOrEqual(major, 240)

	other, err := chardev.New(&chardev.Config{Name: "other", BufferCap: 16, DebugLevel: 0})
	s.Require().NoError(err)
	otherMajor, err := s.reg.Add(other)
	s.Require().NoError(err)
	s.Require().NotEqual(major, otherMajor)
}

func (s *RegistryTestSuite) TestDuplicateRegistrationFails() {
	dup, err := chardev.New(&chardev.Config{Name: "ut", BufferCap: 16, DebugLevel: 0})
	s.Require().NoError(err)
	_, err = s.reg.Add(dup)
	s.Require().ErrorIs(err, chardev.ErrDeviceExists)
}

func (s *RegistryTestSuite) TestLookupUnknownDevice() {
	_, err := s.reg.Lookup("nosuch")
	s.Require().ErrorIs(err, chardev.ErrDeviceNotFound)
	_, err = s.reg.Open("nosuch")
	s.Require().ErrorIs(err, chardev.ErrDeviceNotFound)
}

func (s *RegistryTestSuite) TestOpenReleaseLifecycle() {
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	s.Require().Equal(1, s.dev.Snapshot().OpenCount)
	s.Require().Equal(1, s.reg.SessionCount())

	s.Require().NoError(sess.Release())
	s.Require().Zero(s.dev.Snapshot().OpenCount)
	s.Require().Zero(s.reg.SessionCount())

	s.Require().ErrorIs(sess.Release(), chardev.ErrSessionClosed)
}

func (s *RegistryTestSuite) TestSessionCursorAdvances() {
	ctx := context.Background()
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	defer func() { s.Require().NoError(sess.Release()) }()

	n, err := sess.Write(ctx, []byte("0123456789"))
	s.Require().NoError(err)
	s.Require().Equal(10, n)

	// Cursor sits at 10; writing 10 more clamps at capacity 16.
	n, err = sess.Write(ctx, []byte("0123456789"))
	s.Require().NoError(err)
	s.Require().Equal(6, n)

	// Next write starts at 16 and hits the capacity wall.
	_, err = sess.Write(ctx, []byte("x"))
	s.Require().ErrorIs(err, chardev.ErrCapacityExceeded)

	pos, err := sess.Seek(0, io.SeekStart)
	s.Require().NoError(err)
	s.Require().Zero(pos)

	dst := make([]byte, 32)
	n, err = sess.Read(ctx, dst)
	s.Require().NoError(err)
	s.Require().Equal(16, n)

	// Drained; subsequent read is EOF.
	n, err = sess.Read(ctx, dst)
	s.Require().NoError(err)
	s.Require().Zero(n)
}

func (s *RegistryTestSuite) TestSeekWhence() {
	ctx := context.Background()
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	defer func() { s.Require().NoError(sess.Release()) }()

	_, err = sess.Write(ctx, []byte("abcdef"))
	s.Require().NoError(err)

	pos, err := sess.Seek(-2, io.SeekEnd)
	s.Require().NoError(err)
	s.Require().Equal(int64(4), pos)

	pos, err = sess.Seek(1, io.SeekCurrent)
	s.Require().NoError(err)
	s.Require().Equal(int64(5), pos)

	_, err = sess.Seek(-10, io.SeekStart)
	s.Require().ErrorIs(err, chardev.ErrBadOffset)
	_, err = sess.Seek(0, 99)
	s.Require().ErrorIs(err, chardev.ErrBadOffset)
}

func (s *RegistryTestSuite) TestReleasedSessionRefusesIO() {
	ctx := context.Background()
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	s.Require().NoError(sess.Release())

	_, err = sess.Read(ctx, make([]byte, 1))
	s.Require().ErrorIs(err, chardev.ErrSessionClosed)
	_, err = sess.Write(ctx, []byte("x"))
	s.Require().ErrorIs(err, chardev.ErrSessionClosed)
	_, err = sess.Seek(0, io.SeekStart)
	s.Require().ErrorIs(err, chardev.ErrSessionClosed)
	s.Require().ErrorIs(sess.Ioctl(1, 2), chardev.ErrSessionClosed)

	var sink bytes.Buffer
	_, err = sess.ReadToAt(ctx, &sink, 4, 0)
	s.Require().ErrorIs(err, chardev.ErrSessionClosed)
	_, err = sess.WriteFromAt(ctx, strings.NewReader("x"), 1, 0)
	s.Require().ErrorIs(err, chardev.ErrSessionClosed)
}

func (s *RegistryTestSuite) TestDuplicateRegistrationKeepsMajorsDense() {
	major, err := s.reg.Major("ut")
	s.Require().NoError(err)

	dup, err := chardev.New(&chardev.Config{Name: "ut", BufferCap: 16, DebugLevel: 0})
	s.Require().NoError(err)
	_, err = s.reg.Add(dup)
	s.Require().ErrorIs(err, chardev.ErrDeviceExists)

	next, err := chardev.New(&chardev.Config{Name: "next", BufferCap: 16, DebugLevel: 0})
	s.Require().NoError(err)
	nextMajor, err := s.reg.Add(next)
	s.Require().NoError(err)
	s.Require().Equal(major+1, nextMajor)
}

func (s *RegistryTestSuite) TestIoctlPassThrough() {
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	defer func() { s.Require().NoError(sess.Release()) }()

	s.Require().NoError(sess.Ioctl(0xbeef, 7))
}

func (s *RegistryTestSuite) TestConcurrentSessions() {
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.reg.Open("ut")
			s.Require().NoError(err)
			_, err = sess.Write(context.Background(), []byte("ab"))
			s.Require().NoError(err)
			s.Require().NoError(sess.Release())
		}()
	}
	wg.Wait()
	snap := s.dev.Snapshot()
	s.Require().Zero(snap.OpenCount)
	s.Require().Equal(uint64(workers), snap.WriteOps)
	s.Require().Zero(s.reg.SessionCount())
}

func (s *RegistryTestSuite) TestJournalRecordsLifecycle() {
	sess, err := s.reg.Open("ut")
	s.Require().NoError(err)
	s.Require().NoError(sess.Release())

	kinds := make(map[string]int)
	for _, ev := range s.diag.Drain() {
		kinds[ev.Kind]++
	}
	s.Require().Equal(1, kinds["register"])
	s.Require().Equal(1, kinds["open"])
	s.Require().Equal(1, kinds["close"])
}

func (s *RegistryTestSuite) TestRemove() {
	s.Require().NoError(s.reg.Remove("ut"))
	s.Require().ErrorIs(s.reg.Remove("ut"), chardev.ErrDeviceNotFound)
	_, err := s.reg.Open("ut")
	s.Require().ErrorIs(err, chardev.ErrDeviceNotFound)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
