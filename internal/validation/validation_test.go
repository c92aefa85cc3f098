package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexflow-crm/backend/pkg/models"
)

func TestDocuments(t *testing.T) {
	tests := []struct {
		in   string
		cpf  bool
		cnpj bool
	}{
		{"529.982.247-25", true, false},
		{"52998224725", true, false},
		{"529.982.247-24", false, false},
		{"111.111.111-11", false, false},
		{"11.222.333/0001-81", false, true},
		{"11444777000161", false, true},
		{"11.222.333/0001-80", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.cpf, ValidCPF(tt.in))
			assert.Equal(t, tt.cnpj, ValidCNPJ(tt.in))
			assert.Equal(t, tt.cpf || tt.cnpj, ValidDocument(tt.in))
		})
	}
	assert.Equal(t, "529.982.247-25", FormatCPF("52998224725"))
	assert.Equal(t, "11.444.777/0001-61", FormatCNPJ("11444777000161"))
	assert.Equal(t, "123", FormatCPF("123"))
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("ana@example.com"))
	assert.False(t, ValidEmail("Ana <ana@example.com>"))
	assert.False(t, ValidEmail("not-an-email"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "razao_social", Slugify("  Razão Social "))
	assert.Equal(t, "e_mail_principal", Slugify("E-mail (principal)"))
	assert.Equal(t, "cnpj", Slugify("CNPJ"))
}

var testFields = []models.StepField{
	{Slug: "title", Label: "Title", Type: models.FieldText, Required: true},
	{Slug: "email", Label: "E-mail", Type: models.FieldEmail},
	{Slug: "value", Label: "Value", Type: models.FieldCurrency},
	{Slug: "stage", Label: "Stage", Type: models.FieldSelect, Options: []string{"hot", "cold"}},
	{Slug: "tags", Label: "Tags", Type: models.FieldMultiSelect, Options: []string{"a", "b"}},
	{Slug: "cnpj", Label: "CNPJ", Type: models.FieldCNPJ},
	{Slug: "due", Label: "Due", Type: models.FieldDate},
	{Slug: "vip", Label: "VIP", Type: models.FieldCheckbox},
}

func TestCardValuesNormalizes(t *testing.T) {
	out, err := CardValues(testFields, map[string]any{
		"title": " Lead A ",
		"email": "a@example.com",
		"value": "R$ 1.234,56",
		"stage": "hot",
		"tags":  "a; b",
		"cnpj":  "11444777000161",
		"due":   "2026-03-01",
		"vip":   "true",
		"extra": 7,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title": "Lead A",
		"email": "a@example.com",
		"value": 1234.56,
		"stage": "hot",
		"tags":  []string{"a", "b"},
		"cnpj":  "11.444.777/0001-61",
		"due":   "2026-03-01",
		"vip":   true,
		"extra": 7,
	}, out)
}

func TestCardValuesCollectsErrors(t *testing.T) {
	_, err := CardValues(testFields, map[string]any{
		"email": "nope",
		"stage": "warm",
		"due":   "01/03/2026",
	}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	var errs Errors
	require.True(t, errors.As(err, &errs))
	got := map[string]bool{}
	for _, fe := range errs {
		got[fe.Field] = true
	}
	assert.Equal(t, map[string]bool{"title": true, "email": true, "stage": true, "due": true}, got)
}

func TestCardValuesPartial(t *testing.T) {
	out, err := CardValues(testFields, map[string]any{"stage": "cold"}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stage": "cold"}, out)

	_, err = CardValues(testFields, map[string]any{"title": ""}, true)
	assert.ErrorIs(t, err, ErrInvalid, "a required field cannot be blanked by a partial update")
}

func TestRequired(t *testing.T) {
	assert.NoError(t, Required("name", "x"))
	assert.ErrorIs(t, Required("name", "  "), ErrInvalid)
}
