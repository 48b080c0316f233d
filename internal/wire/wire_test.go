package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestReadFrame(t *testing.T) {
	type packet struct {
		data  []byte
		sleep time.Duration
	}

	type packets []packet

	type args struct {
		data    packets
		timeout time.Duration
	}
	tests := []struct {
		name    string
		args    args
		want    *Frame
		wantErr bool
	}{
		{"Error on bogus data", args{packets{{[]byte("bogus"), 0}}, time.Second}, nil, true},
		{"Simple", args{packets{{[]byte{0, 0, 0, 1}, 0}, {[]byte("b"), 0}}, time.Second}, &Frame{Code: 'b'}, false},
		{"Timeout", args{packets{{[]byte{0, 0, 0, 1}, 2 * time.Second}, {[]byte("b"), 0}}, time.Second}, nil, true},
		{"Timeout2", args{packets{{[]byte{}, 2 * time.Second}, {[]byte{0, 0, 0, 1, 'b'}, 0}}, time.Second}, nil, true},
		{"With Data", args{packets{{[]byte{0, 0, 0, 4, 't', 'e', 's', 't'}, 0}}, time.Second}, &Frame{Code: 't', Data: []byte{'e', 's', 't'}}, false},
		{"Zero length is rejected", args{packets{{[]byte{0, 0, 0, 0}, 0}}, time.Second}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()
			serverChan := make(chan error)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					serverChan <- err
					return
				}
				c.SetDeadline(time.Now().Add(time.Minute))
				for m := 0; m < len(ltt.args.data); m++ {
					if n, err := c.Write(ltt.args.data[m].data); err != nil || n != len(ltt.args.data[m].data) {
						if err == nil {
							err = fmt.Errorf("expected to write %d bytes but only wrote %d bytes", len(ltt.args.data[m].data), n)
						}
						serverChan <- err
						return
					}
					if ltt.args.data[m].sleep > 0 {
						time.Sleep(ltt.args.data[m].sleep)
					}
				}
				serverChan <- nil
			}()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			got, err := ReadFrame(conn, ltt.args.timeout, 0)
			if (err != nil) != ltt.wantErr {
				t.Errorf("ReadFrame() error = %v, wantErr %v", err, ltt.wantErr)
				return
			}
			if (got == nil && ltt.want != nil) || ((got != nil && ltt.want != nil) && (got.Code != ltt.want.Code || !bytes.Equal(got.Data, ltt.want.Data))) {
				t.Errorf("ReadFrame() got = %+v, want %+v", got, ltt.want)
			}
			if serverErr := <-serverChan; serverErr != nil {
				t.Fatal(serverErr)
			}
		})
	}
}

func TestWriteFrame(t *testing.T) {
	type writeOp struct {
		frame    *Frame
		onAfter  func(ln net.Listener, conn net.Conn)
		onBefore func(ln net.Listener, conn net.Conn)
	}
	type writeOps []writeOp
	tests := []struct {
		name     string
		writeOps writeOps
		want     []byte
		wantErr  bool
	}{
		{"Single", writeOps{{frame: &Frame{Code: 'a'}}}, []byte{0, 0, 0, 1, 'a'}, false},
		{"Single2", writeOps{{frame: &Frame{Code: 'a', Data: []byte{'a', 0}}}}, []byte{0, 0, 0, 3, 'a', 'a', 0}, false},
		{"Too big", writeOps{{frame: &Frame{Code: 'a', Data: make([]byte, DefaultMaxPacketBytes+1)}}}, nil, true},
		{"Nil frame", writeOps{{frame: nil}}, nil, true},
		{"Multiple", writeOps{{frame: &Frame{Code: 'a'}}, {frame: &Frame{Code: 'b'}}}, []byte{0, 0, 0, 1, 'a', 0, 0, 0, 1, 'b'}, false},
		{"Multiple close in middle", writeOps{{frame: &Frame{Code: 'a'}, onAfter: func(ln net.Listener, conn net.Conn) { _ = conn.Close() }}, {frame: &Frame{Code: 'b'}}}, []byte{0, 0, 0, 1, 'a'}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()
			type response struct {
				data []byte
				err  error
			}
			serverChan := make(chan response)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					serverChan <- response{err: err}
					return
				}
				c.SetDeadline(time.Now().Add(time.Minute))
				data, err := io.ReadAll(c)
				if err != nil {
					serverChan <- response{err: err}
					return
				}
				serverChan <- response{data: data}
			}()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer func(conn net.Conn) {
				_ = conn.Close()
			}(conn)
			for _, op := range ltt.writeOps {
				if op.onBefore != nil {
					op.onBefore(ln, conn)
				}
				err = WriteFrame(conn, op.frame, time.Minute, 0)
				if err != nil {
					break
				}
				if op.onAfter != nil {
					op.onAfter(ln, conn)
				}
			}
			_ = conn.Close()
			if (err != nil) != ltt.wantErr {
				t.Errorf("WriteFrame() error = %v, wantErr %v", err, ltt.wantErr)
				resp := <-serverChan
				if resp.err != nil {
					t.Fatal(resp.err)
				}
				t.Errorf("read data %v", resp.data)

				return
			}

			resp := <-serverChan
			if resp.err != nil {
				t.Fatal(resp.err)
			}
			if !bytes.Equal(resp.data, ltt.want) {
				t.Errorf("read data mismatch got = %+v, want %+v", resp.data, ltt.want)
			}
		})
	}
}

func TestFrameTooLargeErrorOnRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		header := []byte{0, 1, 0, 0} // length = 65536, over a 1024-byte cap
		_, _ = c.Write(header)
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, err = ReadFrame(conn, time.Second, 1024)
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *FrameTooLargeError, got %T: %v", err, err)
	}
}
