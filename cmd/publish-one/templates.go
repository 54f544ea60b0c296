package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/publish"
)

// templateScope is what campaign templates see. CodemodResult is the
// decoded JSON the codemod reported, so templates can reach into it
// with {{.CodemodResult.some_field}}.
type templateScope struct {
	Codebase      string
	Campaign      string
	Role          string
	Command       string
	CodemodResult interface{}
	Debdiff       string
	ExtraContext  map[string]interface{}
}

func scopeFor(req *publish.Request) (*templateScope, error) {
	scope := &templateScope{
		Codebase:     req.Codebase,
		Campaign:     req.Campaign,
		Role:         req.Role,
		Command:      req.Command,
		Debdiff:      req.Debdiff,
		ExtraContext: req.ExtraContext,
	}
	if len(req.CodemodResult) > 0 {
		if err := json.Unmarshal(req.CodemodResult, &scope.CodemodResult); err != nil {
			return nil, errors.Wrap(err, "decoding codemod result")
		}
	}
	return scope, nil
}

func render(name, text string, scope *templateScope) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", errors.Wrapf(err, "parsing %s template", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", errors.Wrapf(err, "rendering %s template", name)
	}
	return strings.TrimSpace(buf.String()), nil
}

// renderDescription produces the proposal body. Campaigns that only
// configure a commit message template get that as the body; campaigns
// with neither get a plain sentence naming the campaign and command.
func renderDescription(req *publish.Request) (string, error) {
	scope, err := scopeFor(req)
	if err != nil {
		return "", err
	}
	if req.DescriptionTmpl != "" {
		return render("description", req.DescriptionTmpl, scope)
	}
	if req.CommitMessageTmpl != "" {
		return render("commit message", req.CommitMessageTmpl, scope)
	}
	description := fmt.Sprintf("Automated changes from the %s campaign.", req.Campaign)
	if req.Command != "" {
		description += fmt.Sprintf("\n\nCommand run: %s", req.Command)
	}
	return description, nil
}

// renderTitle produces the proposal title, defaulting to the first
// line of the description.
func renderTitle(req *publish.Request, description string) (string, error) {
	if req.TitleTmpl != "" {
		scope, err := scopeFor(req)
		if err != nil {
			return "", err
		}
		return render("title", req.TitleTmpl, scope)
	}
	return firstLine(description), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
