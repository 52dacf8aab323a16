package intake

import "testing"

func TestExtractName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Maria Silva", "Maria Silva"},
		{"joão pedro", "João Pedro"},
		{"Ana Clara de Souza", "Ana Clara de Souza"},
		{"Fernando", "Fernando"},
		{"Por que precisa do meu nome?", ""},
		{"pra que isso", ""},
		{"Olá, tudo bem", ""},
		{"bom dia", ""},
		{"oi", ""},
		{"sim", ""},
		{"ok", ""},
		{"ab", ""},
		{"Maria123", ""},
		{"", ""},
		{"um dois tres quatro cinco seis", ""},
	}
	for _, tt := range tests {
		if got := ExtractName(tt.in); got != tt.want {
			t.Errorf("ExtractName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"meu email é joao@x.com, pode usar", "joao@x.com"},
		{"JOAO.SILVA@Empresa.com.br", "joao.silva@empresa.com.br"},
		{"não tenho email", ""},
		{"joao@x", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractEmail(tt.in); got != tt.want {
			t.Errorf("ExtractEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
