package generator

import (
	"strings"

	"github.com/osteele/liquid"
)

const subjectSource = `Story idea: {{ topic }}`

const bodySource = `Hi {{ name }},

{% if article != "" %}I recently read your article "{{ article }}" in {{ publication }} and thought it aligned well with the work we're doing at {{ company }}.{% else %}I've been following your coverage in {{ publication }} and thought it aligned well with the work we're doing at {{ company }}.{% endif %}

We’re currently exploring {{ topic }}, and I believe it could be a useful angle for your audience.

If this sounds interesting, I’d be happy to share more details.

Best regards,
{{ sender_name }}
{{ sender_title }}
{{ company }}`

// Template is the parsed fallback email.
type Template struct {
	subject *liquid.Template
	body    *liquid.Template
}

// MustTemplate parses the built-in templates. They are constants, so a parse
// failure is a programming error.
func MustTemplate() *Template {
	engine := liquid.NewEngine()
	subject, err := engine.ParseString(subjectSource)
	if err != nil {
		panic(err)
	}
	body, err := engine.ParseString(bodySource)
	if err != nil {
		panic(err)
	}
	return &Template{subject: subject, body: body}
}

func bindings(req Request) liquid.Bindings {
	return liquid.Bindings{
		"name":         orDefault(strings.TrimSpace(req.Contact.Name), "there"),
		"publication":  req.Contact.Publication,
		"article":      strings.TrimSpace(req.Contact.ArticleTitle()),
		"company":      req.Company,
		"topic":        req.Topic,
		"sender_name":  req.Sender.Name,
		"sender_title": req.Sender.Title,
	}
}

func (t *Template) Subject(req Request) string {
	out, err := t.subject.RenderString(bindings(req))
	if err != nil {
		return "Story idea: " + req.Topic
	}
	return out
}

func (t *Template) Body(req Request) string {
	out, err := t.body.RenderString(bindings(req))
	if err != nil {
		return "Hi there,\n\nWe're exploring " + req.Topic + " at " + req.Company + ".\n\nBest regards,\n" + req.Sender.Name
	}
	return strings.TrimSpace(out)
}
