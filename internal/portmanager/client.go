// Package portmanager talks to the per-host port allocation service that
// data acquisition programs use to advertise their listening ports.
//
// The service speaks a line protocol:
//
//	LIST                 -> OK <n>, then n lines "<port> <application> <user>"
//	GIMME <app> <user>   -> OK <port>
//
// Any reply that does not start with OK is a failure and carries its reason.
package portmanager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const DefaultPort = 30000

var ErrRefused = errors.New("port manager refused request")

// Service is one advertised port.
type Service struct {
	Port        int
	Application string
	User        string
}

type Client struct {
	Port    int
	Timeout time.Duration
	// LocalHost is where Allocate finds the local port manager.
	LocalHost string
	dialer    net.Dialer
}

func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{Port: port, Timeout: timeout, LocalHost: "localhost"}
}

// List returns every port advertised on host.
func (c *Client) List(ctx context.Context, host string) ([]Service, error) {
	conn, rd, err := c.open(ctx, host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := fmt.Fprint(conn, "LIST\n"); err != nil {
		return nil, fmt.Errorf("send list: %w", err)
	}
	status, err := readStatus(rd)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(status)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("port manager list count %q", status)
	}
	out := make([]Service, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(rd)
		if err != nil {
			return nil, fmt.Errorf("read service %d of %d: %w", i+1, n, err)
		}
		svc, err := ParseService(line)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// Allocate asks the local port manager for a port advertised under
// application. The allocation lasts as long as the returned connection is
// open.
func (c *Client) Allocate(ctx context.Context, application, user string) (int, net.Conn, error) {
	conn, rd, err := c.open(ctx, c.LocalHost)
	if err != nil {
		return 0, nil, err
	}
	if _, err := fmt.Fprintf(conn, "GIMME %s %s\n", application, user); err != nil {
		conn.Close()
		return 0, nil, fmt.Errorf("send allocate: %w", err)
	}
	status, err := readStatus(rd)
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	port, err := strconv.Atoi(status)
	if err != nil {
		conn.Close()
		return 0, nil, fmt.Errorf("port manager allocated %q", status)
	}
	_ = conn.SetDeadline(time.Time{})
	return port, conn, nil
}

func (c *Client) open(ctx context.Context, host string) (net.Conn, *bufio.Reader, error) {
	d := c.dialer
	d.Timeout = c.Timeout
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.Port)))
	if err != nil {
		return nil, nil, fmt.Errorf("dial port manager on %s: %w", host, err)
	}
	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	return conn, bufio.NewReader(conn), nil
}

func readLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readStatus reads an "OK <value>" line and returns the value.
func readStatus(rd *bufio.Reader) (string, error) {
	line, err := readLine(rd)
	if err != nil {
		return "", fmt.Errorf("read port manager reply: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "OK" {
		return "", fmt.Errorf("%w: %s", ErrRefused, line)
	}
	return fields[1], nil
}

func ParseService(line string) (Service, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Service{}, fmt.Errorf("malformed service line %q", line)
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return Service{}, fmt.Errorf("malformed port in %q: %w", line, err)
	}
	return Service{Port: port, Application: fields[1], User: fields[2]}, nil
}
