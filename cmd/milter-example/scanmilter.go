package main

import (
	"fmt"
	"io"
	"log"

	miltr "github.com/retarus-oss/miltr-go"
	"github.com/retarus-oss/miltr-go/internal/body"
)

// scanMilter buffers the whole message body (spilling to a temp file past
// maxBodyMem bytes, via internal/body) so EndOfMessage can report its total
// size. It logs every callback it receives, tagged with the negotiated
// milter id so concurrent connections can be told apart in the log.
type scanMilter struct {
	logPrefix  string
	maxBodyMem int
	id         uint64

	from string
	rcpt []string
	buf  *body.Body
}

func newScanMilter(logPrefix string, maxBodyMem int) *scanMilter {
	return &scanMilter{logPrefix: logPrefix, maxBodyMem: maxBodyMem}
}

func (s *scanMilter) log(format string, v ...any) {
	log.Printf(fmt.Sprintf("[%s/%d] %s", s.logPrefix, s.id, format), v...)
}

func (s *scanMilter) NewConnection(m miltr.Modifier) error {
	s.id = m.MilterId()
	s.log("new connection")
	return nil
}

func (s *scanMilter) Connect(host string, family string, port uint16, addr string, m miltr.Modifier) (*miltr.Response, error) {
	s.log("connect host=%q family=%q port=%d addr=%q", host, family, port, addr)
	return miltr.RespContinue, nil
}

func (s *scanMilter) Helo(name string, m miltr.Modifier) (*miltr.Response, error) {
	s.log("helo %q", name)
	return miltr.RespContinue, nil
}

func (s *scanMilter) MailFrom(from string, esmtpArgs string, m miltr.Modifier) (*miltr.Response, error) {
	s.from = from
	s.rcpt = nil
	s.log("mail from <%s> %s", from, esmtpArgs)
	return miltr.RespContinue, nil
}

func (s *scanMilter) RcptTo(rcptTo string, esmtpArgs string, m miltr.Modifier) (*miltr.Response, error) {
	s.rcpt = append(s.rcpt, rcptTo)
	s.log("rcpt to <%s> %s", rcptTo, esmtpArgs)
	return miltr.RespContinue, nil
}

func (s *scanMilter) Data(m miltr.Modifier) (*miltr.Response, error) {
	s.buf = body.New(s.maxBodyMem, 0)
	s.log("data start, sender=%q recipients=%d", s.from, len(s.rcpt))
	return miltr.RespContinue, nil
}

func (s *scanMilter) Header(name string, value string, m miltr.Modifier) (*miltr.Response, error) {
	s.log("header %s: %q", name, value)
	return miltr.RespContinue, nil
}

func (s *scanMilter) Headers(m miltr.Modifier) (*miltr.Response, error) {
	s.log("end of headers")
	return miltr.RespContinue, nil
}

func (s *scanMilter) BodyChunk(chunk []byte, m miltr.Modifier) (*miltr.Response, error) {
	if s.buf == nil {
		s.buf = body.New(s.maxBodyMem, 0)
	}
	if _, err := s.buf.Write(chunk); err != nil {
		s.log("buffering body failed: %v", err)
		return miltr.RespTempFail, nil
	}
	return miltr.RespContinue, nil
}

func (s *scanMilter) EndOfMessage(m miltr.Modifier) (*miltr.Response, error) {
	var size int64
	if s.buf != nil {
		n, err := s.buf.Seek(0, io.SeekEnd)
		if err != nil {
			s.log("could not size buffered body: %v", err)
		}
		size = n
		_ = s.buf.Close()
		s.buf = nil
	}
	s.log("end of message: %d body bytes", size)
	if err := m.AddHeader("X-Scanned-Bytes", fmt.Sprintf("%d", size)); err != nil {
		s.log("could not add header: %v", err)
	}
	return miltr.RespAccept, nil
}

func (s *scanMilter) Abort(m miltr.Modifier) error {
	s.log("abort")
	if s.buf != nil {
		_ = s.buf.Close()
		s.buf = nil
	}
	return nil
}

func (s *scanMilter) Unknown(cmd string, m miltr.Modifier) (*miltr.Response, error) {
	s.log("unknown command %q", cmd)
	return miltr.RespContinue, nil
}

func (s *scanMilter) Cleanup(m miltr.Modifier) {
	s.log("cleanup")
	if s.buf != nil {
		_ = s.buf.Close()
		s.buf = nil
	}
}

var _ miltr.Milter = (*scanMilter)(nil)
