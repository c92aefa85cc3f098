// Package validation checks user input before it is written: Brazilian
// CPF/CNPJ documents, e-mail addresses and card field values against their
// step field definitions.
package validation

import (
	"strings"
)

// OnlyDigits strips every non-digit rune from s.
func OnlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCPF reports whether s (formatted or not) is a valid CPF.
func ValidCPF(s string) bool {
	d := OnlyDigits(s)
	if len(d) != 11 || allSame(d) {
		return false
	}
	return checkDigit(d[:9], 10) == int(d[9]-'0') && checkDigit(d[:10], 11) == int(d[10]-'0')
}

// ValidCNPJ reports whether s (formatted or not) is a valid CNPJ.
func ValidCNPJ(s string) bool {
	d := OnlyDigits(s)
	if len(d) != 14 || allSame(d) {
		return false
	}
	w1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	w2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return weighted(d[:12], w1) == int(d[12]-'0') && weighted(d[:13], w2) == int(d[13]-'0')
}

// ValidDocument accepts either a CPF or a CNPJ.
func ValidDocument(s string) bool {
	switch len(OnlyDigits(s)) {
	case 11:
		return ValidCPF(s)
	case 14:
		return ValidCNPJ(s)
	}
	return false
}

// FormatCPF renders an 11-digit CPF as 000.000.000-00.
func FormatCPF(s string) string {
	d := OnlyDigits(s)
	if len(d) != 11 {
		return s
	}
	return d[0:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:]
}

// FormatCNPJ renders a 14-digit CNPJ as 00.000.000/0000-00.
func FormatCNPJ(s string) string {
	d := OnlyDigits(s)
	if len(d) != 14 {
		return s
	}
	return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:]
}

func checkDigit(digits string, weight int) int {
	sum := 0
	for _, r := range digits {
		sum += int(r-'0') * weight
		weight--
	}
	rest := (sum * 10) % 11
	if rest == 10 {
		return 0
	}
	return rest
}

func weighted(digits string, weights []int) int {
	sum := 0
	for i, r := range digits {
		sum += int(r-'0') * weights[i]
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}

func allSame(d string) bool {
	for i := 1; i < len(d); i++ {
		if d[i] != d[0] {
			return false
		}
	}
	return true
}
