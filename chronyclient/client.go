/*
Copyright (c) rtcsync authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package chronyclient is a thin, tracking-only wrapper around chrony's
// Unix-datagram control protocol, used to read the current stratum and
// skew before trusting the host clock to stamp the RTC.
package chronyclient

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"

	"golang.org/x/sys/unix"
)

// Client holds a bound, connected control socket to chronyd.
type Client struct {
	conn      io.Closer
	localPath string
	rw        io.ReadWriter

	mu sync.Mutex
}

// Dial binds an ephemeral client socket named after the local pid and
// connects it to chronyd's control socket at serverSocket. The client
// socket is created with umask 0 so chronyd (running as a different
// user) can deliver replies to it.
func Dial(serverSocket string) (*Client, error) {
	base, _ := path.Split(serverSocket)
	local := path.Join(base, fmt.Sprintf("rtcclient.%d.sock", os.Getpid()))

	oldMask := unix.Umask(0)
	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: serverSocket, Net: "unixgram"},
	)
	unix.Umask(oldMask)
	if err != nil {
		return nil, fmt.Errorf("dialing chronyd control socket %s: %w", serverSocket, err)
	}

	return &Client{
		conn:      conn,
		localPath: local,
		rw:        conn,
	}, nil
}

// Tracking requests and decodes chronyd's current tracking report.
func (c *Client) Tracking() (*Tracking, error) {
	req, err := encodeTrackingRequest(newTrackingRequest())
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 1024)

	c.mu.Lock()
	if _, err := c.rw.Write(req); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("writing tracking request: %w", err)
	}
	n, err := c.rw.Read(resp)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reading tracking reply: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("no data received from chronyd")
	}

	return decodeTrackingReply(resp[:n])
}

// Close tears down the control socket and removes its filesystem entry.
func (c *Client) Close() error {
	err := c.conn.Close()
	if c.localPath != "" {
		if rmErr := os.Remove(c.localPath); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// withConnection builds a Client around an arbitrary io.ReadWriter,
// bypassing Dial's socket setup; used in tests.
func withConnection(rw io.ReadWriter) *Client {
	return &Client{conn: noopCloser{}, rw: rw}
}
