package generator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-backend/internal/model"
)

// Model produces raw email text from a prompt.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Request struct {
	Contact model.Contact
	Company string
	Topic   string
	Sender  model.SenderIdentity
}

type Content struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	// Fallback is set when the template replaced model output.
	Fallback bool `json:"fallback"`
}

// Composer always returns content: model output when it arrives in time,
// otherwise the fallback template.
type Composer struct {
	model    Model
	timeout  time.Duration
	template *Template
	logger   *zap.Logger
}

func NewComposer(m Model, timeout time.Duration, logger *zap.Logger) *Composer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{model: m, timeout: timeout, template: MustTemplate(), logger: logger}
}

func (c *Composer) Generate(ctx context.Context, req Request) Content {
	subject := c.template.Subject(req)

	text, err := c.complete(ctx, BuildPrompt(req))
	if err == nil {
		text = cleanOutput(text)
		if s, body, ok := splitSubject(text); ok {
			subject, text = s, body
		}
		if strings.TrimSpace(text) == "" {
			err = errors.New("empty generation")
		}
	}
	if err != nil {
		c.logger.Warn("generation failed, using fallback template",
			zap.String("contact", req.Contact.Name),
			zap.String("publication", req.Contact.Publication),
			zap.Error(err))
		return c.Fallback(req)
	}

	return Content{Subject: subject, Text: text, HTML: TextToHTML(text)}
}

// Fallback renders the deterministic template for req.
func (c *Composer) Fallback(req Request) Content {
	text := c.template.Body(req)
	return Content{Subject: c.template.Subject(req), Text: text, HTML: TextToHTML(text), Fallback: true}
}

// complete bounds the model call by the timeout even if the model ignores ctx.
func (c *Composer) complete(ctx context.Context, prompt string) (string, error) {
	if c.model == nil {
		return "", errors.New("no model configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := c.model.Complete(ctx, prompt)
		ch <- result{text, err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("generation timed out after %s: %w", c.timeout, ctx.Err())
	}
}

// BuildPrompt writes the outreach instructions for one contact.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Write a short, professional PR outreach email to a journalist.\n\n")
	fmt.Fprintf(&b, "Journalist: %s\n", orDefault(req.Contact.Name, "the editor"))
	fmt.Fprintf(&b, "Publication: %s\n", req.Contact.Publication)
	if a := req.Contact.ArticleTitle(); a != "" {
		fmt.Fprintf(&b, "Their recent article: %q\n", a)
	}
	fmt.Fprintf(&b, "Company: %s\n", req.Company)
	fmt.Fprintf(&b, "Story topic: %s\n\n", req.Topic)
	b.WriteString("Rules:\n")
	b.WriteString("- Under 120 words.\n")
	b.WriteString("- Mention their article and why the topic fits their audience.\n")
	b.WriteString("- No placeholders, brackets or markdown.\n")
	fmt.Fprintf(&b, "- Sign off as %s, %s, %s.\n", req.Sender.Name, req.Sender.Title, req.Company)
	b.WriteString("- Return only the email body.\n")
	return b.String()
}

// TextToHTML escapes text and turns blank-line separated blocks into
// paragraphs.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, l := range lines {
			lines[i] = html.EscapeString(strings.TrimSpace(l))
		}
		out = append(out, "<p>"+strings.Join(lines, "<br>")+"</p>")
	}
	return strings.Join(out, "\n")
}

func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// splitSubject peels a leading "Subject: ..." line off model output.
func splitSubject(s string) (string, string, bool) {
	first, rest, found := strings.Cut(s, "\n")
	if !found || !strings.HasPrefix(strings.ToLower(first), "subject:") {
		return "", s, false
	}
	subject := strings.TrimSpace(first[len("subject:"):])
	if subject == "" {
		return "", s, false
	}
	return subject, strings.TrimSpace(rest), true
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
