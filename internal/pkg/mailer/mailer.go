package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/openpgpdir/keydir/pkg/keydir"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

const (
	mailSMTPServerEnv   = "KEYDIR_MAIL_SMTP_SERVER"
	mailSMTPPortEnv     = "KEYDIR_MAIL_SMTP_PORT"
	mailSMTPUsernameEnv = "KEYDIR_MAIL_SMTP_USERNAME"
	mailSMTPPasswordEnv = "KEYDIR_MAIL_SMTP_PASSWORD"
	mailSMTPInsecureEnv = "KEYDIR_MAIL_SMTP_INSECURE_TLS"
	mailSenderEnv       = "KEYDIR_MAIL_SENDER"
)

// Config is the SMTP mailer configuration.
type Config struct {
	SMTPServer      string `yaml:"smtp-server"`
	SMTPPort        int    `yaml:"smtp-port"`
	SMTPInsecureTLS bool   `yaml:"smtp-insecure-tls"`
	SMTPUsername    string `yaml:"smtp-username"`
	SMTPPassword    string `yaml:"smtp-password"`
	Sender          string `yaml:"sender"`
}

// DefaultConfig is the mailer configuration used when the mail
// section is absent.
var DefaultConfig = Config{
	SMTPServer: "localhost",
	SMTPPort:   25,
	Sender:     "noreply@localhost",
}

// CheckConfig validates the configuration, letting environment
// variables take precedence over the configuration file.
func CheckConfig(cfg *Config) error {
	env := os.Getenv(mailSMTPServerEnv)
	if env != "" {
		cfg.SMTPServer = env
	}
	env = os.Getenv(mailSMTPPortEnv)
	if env != "" {
		p, err := strconv.ParseUint(env, 10, 16)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPPortEnv, err)
		}
		cfg.SMTPPort = int(p)
	}
	env = os.Getenv(mailSMTPUsernameEnv)
	if env != "" {
		cfg.SMTPUsername = env
	}
	env = os.Getenv(mailSMTPPasswordEnv)
	if env != "" {
		cfg.SMTPPassword = env
	}
	env = os.Getenv(mailSMTPInsecureEnv)
	if env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPInsecureEnv, err)
		}
		cfg.SMTPInsecureTLS = b
	}
	env = os.Getenv(mailSenderEnv)
	if env != "" {
		cfg.Sender = env
	}
	if cfg.SMTPServer == "" {
		return fmt.Errorf("smtp server address within mail configuration is missing or empty")
	}
	if cfg.Sender == "" {
		return fmt.Errorf("sender address within mail configuration is missing or empty")
	}
	return nil
}

type messageBody struct {
	subject string
	body    *template.Template
}

// SMTP implements the directory mailer port over gomail.
type SMTP struct {
	cfg      Config
	messages map[keydir.Template]messageBody
}

// New returns an SMTP mailer with the built-in message templates.
func New(cfg Config) (*SMTP, error) {
	m := &SMTP{
		cfg:      cfg,
		messages: make(map[keydir.Template]messageBody),
	}
	for tpl, raw := range map[keydir.Template]struct{ subject, body string }{
		keydir.TemplateVerifyKey:    {verifyKeySubject, verifyKeyBody},
		keydir.TemplateVerifyRemove: {verifyRemoveSubject, verifyRemoveBody},
		keydir.TemplateCheckNewSigs: {checkNewSigsSubject, checkNewSigsBody},
	} {
		t, err := template.New(string(tpl)).Parse(raw.body)
		if err != nil {
			return nil, fmt.Errorf("while parsing %s template: %s", tpl, err)
		}
		m.messages[tpl] = messageBody{subject: raw.subject, body: t}
	}
	return m, nil
}

type templateArgs struct {
	Name             string
	Email            string
	KeyID            string
	Origin           string
	URL              string
	PublicKeyArmored string
}

// Send renders the message template and dispatches it over SMTP.
func (m *SMTP) Send(ctx context.Context, msg keydir.Message) error {
	mb, ok := m.messages[msg.Template]
	if !ok {
		return fmt.Errorf("unknown mail template %q", msg.Template)
	}

	args := templateArgs{
		Name:             msg.Name,
		Email:            msg.Email,
		KeyID:            msg.KeyID,
		Origin:           msg.Origin,
		URL:              verificationURL(msg),
		PublicKeyArmored: msg.PublicKeyArmored,
	}

	s := new(strings.Builder)
	if err := mb.body.Execute(s, args); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"to":       msg.Email,
		"template": msg.Template,
	}).Info("Sending verification mail")

	gm := gomail.NewMessage()
	gm.SetHeader("From", m.cfg.Sender)
	gm.SetHeader("To", msg.Email)
	gm.SetHeader("Subject", mb.subject)
	gm.SetBody("text/plain", s.String())

	return m.send(gm)
}

func (m *SMTP) send(gm *gomail.Message) error {
	port := m.cfg.SMTPPort
	host := m.cfg.SMTPServer

	if port == 0 {
		port = 587
	}
	if host == "" {
		return fmt.Errorf("a SMTP host server must be specified")
	}

	d := gomail.NewDialer(host, port, m.cfg.SMTPUsername, m.cfg.SMTPPassword)
	if (port == 587 || port == 465) && m.cfg.SMTPInsecureTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return d.DialAndSend(gm)
}

// verificationURL builds the link embedded in the message body.
func verificationURL(msg keydir.Message) string {
	op := ""
	switch msg.Template {
	case keydir.TemplateVerifyKey:
		op = "verify"
	case keydir.TemplateVerifyRemove:
		op = "verifyRemove"
	case keydir.TemplateCheckNewSigs:
		op = "checkSignatures"
	}
	return fmt.Sprintf("%s/api/v1/key?op=%s&keyId=%s&nonce=%s", msg.Origin, op, msg.KeyID, msg.Nonce)
}

var verifyKeySubject = "Public key verification"

var verifyKeyBody = `Hello {{.Name}},

a public key with the user ID {{.Email}} was uploaded to the key directory
{{.Origin}}. To publish the key under this address, please confirm the
upload by opening the following link:

{{.URL}}

If you did not upload this key, simply ignore this message and the key
will expire from the directory.
{{if .PublicKeyArmored}}
The submitted key:

{{.PublicKeyArmored}}
{{end}}
---------------------
This message was sent from the public key directory {{.Origin}}.
`

var verifyRemoveSubject = "Public key removal"

var verifyRemoveBody = `Hello {{.Name}},

the removal of the user ID {{.Email}} from the key directory
{{.Origin}} was requested. To confirm the removal, please open the
following link:

{{.URL}}

If you did not request this removal, ignore this message and the key
will remain published.

---------------------
This message was sent from the public key directory {{.Origin}}.
`

var checkNewSigsSubject = "New key certifications pending"

var checkNewSigsBody = `Hello {{.Name}},

an upload for your key {{.KeyID}} contained third-party certifications
that are not yet part of the published key. Review and confirm the ones
you want to publish:

{{.URL}}

Certifications you do not confirm will be discarded.

---------------------
This message was sent from the public key directory {{.Origin}}.
`
