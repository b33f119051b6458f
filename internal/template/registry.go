package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownTemplate = errors.New("unknown template")

// MissingParamsError reports required parameters that were absent or empty.
// Rendering never proceeds with a partial parameter set.
type MissingParamsError struct {
	TemplateID string
	Missing    []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("template %q missing params: %s", e.TemplateID, strings.Join(e.Missing, ", "))
}

// Template couples an identifier with its required parameter set and body.
// RequiredParams order defines the ordered parameter list sent to the
// provider. Bodies use {param} placeholders.
type Template struct {
	ID             string
	RequiredParams []string
	Body           string
}

// Rendered is the provider-ready form of a template.
type Rendered struct {
	Text    string
	Ordered []string
}

type Registry struct {
	templates map[string]Template
}

func NewRegistry(tpls ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(tpls))}
	for _, t := range tpls {
		r.templates[t.ID] = t
	}
	return r
}

// Default returns the registry of gym notification templates.
func Default() *Registry {
	return NewRegistry(
		Template{
			ID:             "checkin_exitoso",
			RequiredParams: []string{"nombre"},
			Body:           "¡Buen entrenamiento, {nombre}! Check-in registrado. 💪",
		},
		Template{
			ID:             "miss_you",
			RequiredParams: []string{"nombre"},
			Body:           "{nombre}, hace días que no te vemos por el gym. ¡Te extrañamos!",
		},
		Template{
			ID:             "social_proof",
			RequiredParams: []string{"nombre", "companeros"},
			Body:           "{nombre}, esta semana {companeros} compañeros ya entrenaron. ¿Te sumás?",
		},
		Template{
			ID:             "special_offer",
			RequiredParams: []string{"nombre", "descuento"},
			Body:           "{nombre}, volvé este mes con {descuento} de descuento en tu cuota.",
		},
		Template{
			ID:             "nutrition_tip",
			RequiredParams: []string{"nombre", "tip"},
			Body:           "{nombre}, tip post-entrenamiento: {tip}",
		},
		Template{
			ID:             "tier_offer",
			RequiredParams: []string{"nombre", "plan"},
			Body:           "{nombre}, por tu constancia te ofrecemos el plan {plan}. Consultá en recepción.",
		},
		Template{
			ID:             "payment_reminder",
			RequiredParams: []string{"nombre", "monto", "vencimiento"},
			Body:           "{nombre}, tu cuota de {monto} vence el {vencimiento}.",
		},
	)
}

// Lookup returns the template for id, or ErrUnknownTemplate.
func (r *Registry) Lookup(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	return t, nil
}

// Render validates that every required parameter is present and non-empty,
// then substitutes {param} placeholders. The Ordered slice follows the
// template's RequiredParams order, which is what the provider payload
// expects.
func (r *Registry) Render(id string, params map[string]string) (Rendered, error) {
	t, err := r.Lookup(id)
	if err != nil {
		return Rendered{}, err
	}

	var missing []string
	for _, p := range t.RequiredParams {
		if params[p] == "" {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Rendered{}, &MissingParamsError{TemplateID: id, Missing: missing}
	}

	text := t.Body
	for k, v := range params {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}

	ordered := make([]string, len(t.RequiredParams))
	for i, p := range t.RequiredParams {
		ordered[i] = params[p]
	}

	return Rendered{Text: text, Ordered: ordered}, nil
}
