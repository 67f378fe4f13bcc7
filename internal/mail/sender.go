// Package mail renders minutes emails and sends them through Amazon SES.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Message is one outgoing email. Bcc recipients never appear in headers.
type Message struct {
	To      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// SESSender sends through the SES v2 API.
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender loads the default AWS configuration for region. endpoint, when
// set, overrides the SES endpoint (local SES emulators).
func NewSESSender(ctx context.Context, region, endpoint, from string) (*SESSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("mail: load aws config: %w", err)
	}
	return NewSESSenderFromConfig(cfg, endpoint, from)
}

// NewSESSenderFromConfig builds a sender from an existing aws.Config.
func NewSESSenderFromConfig(cfg aws.Config, endpoint, from string) (*SESSender, error) {
	if from == "" {
		return nil, errors.New("mail: from address is not set")
	}
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &SESSender{client: client, from: from}, nil
}

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", errors.New("mail: message has no To recipient")
	}
	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	dest := &types.Destination{ToAddresses: msg.To}
	if len(msg.Bcc) > 0 {
		dest.BccAddresses = msg.Bcc
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      dest,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("mail: ses send to %s: %w", strings.Join(msg.To, ","), err)
	}
	return aws.ToString(out.MessageId), nil
}
