package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-process IMAP server with an in-memory backend, for
// exercising the real IMAP fetch path without a network dependency.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer starts a test IMAP server on a random local port.
// The memory backend creates a default user with username "username" and
// password "password", whose INBOX already holds one canned message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	srv := &TestIMAPServer{
		Server:   s,
		Address:  addr,
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}
	t.Cleanup(srv.Close)
	return srv
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// AddMessage appends a message to the given folder with the given header
// fields and internal date.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	messageBody := fmt.Sprintf(`Message-ID: %s
Date: %s
From: %s
To: %s
Subject: %s
Content-Type: text/plain; charset=utf-8

Test message body.
`, messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	flags := []string{imap.SeenFlag}
	if err := client.Append(folderName, flags, sentAt, strings.NewReader(messageBody)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}
