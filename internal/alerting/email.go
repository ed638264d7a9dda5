package alerting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// EmailOptions configure the SMTP relay.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds the dial and every SMTP read/write. Zero means 15s.
	Timeout time.Duration
}

// SMTPSender delivers multipart text/html mail over SMTP.
type SMTPSender struct {
	host       string
	clientOpts []mail.Option
	from       string
	timeout    time.Duration
	send       func(ctx context.Context, msg *mail.Msg) error
	now        func() time.Time
	logger     zerolog.Logger
}

var _ EmailSender = (*SMTPSender)(nil)

// NewSMTPSender validates options and returns an SMTP sender.
func NewSMTPSender(opts EmailOptions, logger zerolog.Logger) (*SMTPSender, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if opts.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if opts.Port <= 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	clientOpts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTimeout(opts.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	if _, err := mail.NewClient(opts.Host, clientOpts...); err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	s := &SMTPSender{
		host:       opts.Host,
		clientOpts: clientOpts,
		from:       opts.From,
		timeout:    opts.Timeout,
		now:        time.Now,
		logger:     logger.With().Str("component", "alert_email").Logger(),
	}
	s.send = s.dialAndSend
	return s, nil
}

// dialAndSend runs one SMTP session on a fresh client whose connection is
// bound to ctx.
func (s *SMTPSender) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := append([]mail.Option{mail.WithDialContextFunc(s.dialer(ctx))}, s.clientOpts...)
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// SendEmail delivers one message. textBody may be empty. The SMTP exchange
// is aborted as soon as ctx ends.
func (s *SMTPSender) SendEmail(ctx context.Context, to []string, subject, htmlBody, textBody string) error {
	if len(to) == 0 {
		return errors.New("email: no recipients")
	}
	msg, err := s.buildMessage(to, subject, htmlBody, textBody)
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info().Strs("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

func (s *SMTPSender) buildMessage(to []string, subject, htmlBody, textBody string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("email from %q: %w", s.from, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("email recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(s.now().UTC())

	if textBody != "" {
		msg.SetBodyString(mail.TypeTextPlain, textBody)
		msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	} else {
		msg.SetBodyString(mail.TypeTextHTML, htmlBody)
	}
	return msg, nil
}

// dialer returns a dial func whose connections never outlive sendCtx, so a
// silent relay cannot hold the send past the caller's deadline. The dial
// itself runs under the shorter context the client hands in.
func (s *SMTPSender) dialer(sendCtx context.Context) mail.DialContextFunc {
	return func(dialCtx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{Timeout: s.timeout}
		conn, err := d.DialContext(dialCtx, network, address)
		if err != nil {
			return nil, err
		}

		c := &ctxConn{Conn: conn, ctx: sendCtx}
		if err := c.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		c.stop = context.AfterFunc(sendCtx, func() {
			_ = conn.SetDeadline(time.Now())
		})
		return c, nil
	}
}

// ctxConn never lets a deadline reach past its context.
type ctxConn struct {
	net.Conn
	ctx  context.Context
	stop func() bool
}

func (c *ctxConn) clamp(t time.Time) time.Time {
	if c.ctx.Err() != nil {
		return time.Now()
	}
	if d, ok := c.ctx.Deadline(); ok && (t.IsZero() || d.Before(t)) {
		return d
	}
	return t
}

func (c *ctxConn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(c.clamp(t)) }
func (c *ctxConn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(c.clamp(t)) }
func (c *ctxConn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(c.clamp(t)) }

func (c *ctxConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
