package imapsmtp

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailgateway/internal/model"
)

type fakeMessage struct {
	raw   []byte
	flags []imap.Flag
	date  time.Time
}

// fakeMailbox is shared by every connection a test dials.
type fakeMailbox struct {
	mu       sync.Mutex
	messages map[imap.UID]*fakeMessage
	password string
	loginErr error

	dials     int
	searches  []*imap.SearchCriteria
	stores    int
	fetches   int
	readOnlys []bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[imap.UID]*fakeMessage), password: "pw"}
}

func (m *fakeMailbox) add(uid imap.UID, raw string, flags ...imap.Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[uid] = &fakeMessage{raw: []byte(raw), flags: flags, date: time.Date(2024, 5, 1, 0, 0, 0, int(uid), time.UTC)}
}

func (m *fakeMailbox) flags(uid imap.UID) []imap.Flag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]imap.Flag(nil), m.messages[uid].flags...)
}

func (m *fakeMailbox) dialer() imapDialer {
	return func(_ context.Context, _ model.Credential) (imapClient, error) {
		m.mu.Lock()
		m.dials++
		m.mu.Unlock()
		return &fakeIMAPClient{box: m}, nil
	}
}

func (m *fakeMailbox) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

type fakeIMAPClient struct {
	box    *fakeMailbox
	closed bool
}

func (c *fakeIMAPClient) Login(_, password string) commandWaiter {
	if c.box.loginErr != nil {
		return &fakeCommand{err: c.box.loginErr}
	}
	if password != c.box.password {
		return &fakeCommand{err: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed, Text: "invalid credentials"}}
	}
	return &fakeCommand{}
}

func (c *fakeIMAPClient) Logout() commandWaiter { return &fakeCommand{} }

func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }

func (c *fakeIMAPClient) Select(_ string, options *imap.SelectOptions) selectWaiter {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.readOnlys = append(c.box.readOnlys, options != nil && options.ReadOnly)
	return &fakeSelect{}
}

func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.searches = append(c.box.searches, criteria)

	var uids []imap.UID
	for uid, msg := range c.box.messages {
		if len(criteria.NotFlag) > 0 && hasFlag(msg.flags, imap.FlagSeen) {
			continue
		}
		uids = append(uids, uid)
	}
	return &fakeSearch{data: &imap.SearchData{All: imap.UIDSetNum(uids...)}}
}

func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()

	c.box.fetches++

	set, _ := numSet.(imap.UIDSet)
	var bufs []*imapclient.FetchMessageBuffer
	// Ascending UID order, as a server would answer.
	for uid := imap.UID(1); uid <= 1000; uid++ {
		msg, ok := c.box.messages[uid]
		if !ok || !set.Contains(uid) {
			continue
		}
		buf := &imapclient.FetchMessageBuffer{
			SeqNum:       uint32(uid),
			UID:          uid,
			Flags:        append([]imap.Flag(nil), msg.flags...),
			InternalDate: msg.date,
		}
		if len(options.BodySection) > 0 {
			buf.BodySection = []imapclient.FetchBodySectionBuffer{{
				Section: options.BodySection[0],
				Bytes:   append([]byte(nil), msg.raw...),
			}}
		}
		bufs = append(bufs, buf)
	}
	return &fakeFetch{bufs: bufs}
}

func (c *fakeIMAPClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.stores++

	set, _ := numSet.(imap.UIDSet)
	for uid, msg := range c.box.messages {
		if set.Contains(uid) && store.Op == imap.StoreFlagsAdd {
			for _, f := range store.Flags {
				if !hasFlag(msg.flags, f) {
					msg.flags = append(msg.flags, f)
				}
			}
		}
	}
	return &fakeFetch{}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return &imap.SelectData{}, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }
