package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

func TestSquashAndFold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Prefeitura de São Paulo", Squash("  Prefeitura   de \t São Paulo \n"))
	assert.Equal(t, "prefeitura de sao paulo", Fold("  Prefeitura   de São Paulo "))
	assert.Equal(t, "vigilancia medica", Fold("Vigilância Médica"))
	assert.Equal(t, "", Fold("   "))
}

func TestUF(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SP", UF(" sp "))
	assert.Equal(t, "RJ", UF("RJ"))
	assert.Equal(t, "", UF("São Paulo"))
	assert.Equal(t, "", UF("S"))
	assert.Equal(t, "", UF(""))
}

func TestSplitMunicipioUF(t *testing.T) {
	t.Parallel()

	city, uf := SplitMunicipioUF("Campinas/SP")
	assert.Equal(t, "Campinas", city)
	assert.Equal(t, "SP", uf)

	city, uf = SplitMunicipioUF("Rio de Janeiro - RJ")
	assert.Equal(t, "Rio de Janeiro", city)
	assert.Equal(t, "RJ", uf)

	// Slash that is not a UF suffix stays intact.
	city, uf = SplitMunicipioUF("Embu/Guaçu")
	assert.Equal(t, "Embu/Guaçu", city)
	assert.Equal(t, "", uf)

	city, uf = SplitMunicipioUF("Sorocaba")
	assert.Equal(t, "Sorocaba", city)
	assert.Equal(t, "", uf)
}

func TestModalidade(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Pregão Eletrônico":             ModalidadePregao,
		"PREGAO PRESENCIAL":             ModalidadePregao,
		"Concorrência":                  ModalidadeConcorrencia,
		"Dispensa de Licitação":         ModalidadeDispensa,
		"Inexigibilidade":               ModalidadeInexigibilidad,
		"Convite":                       ModalidadeConvite,
		"Tomada de Preços":              ModalidadeTomadaPrecos,
		"RDC":                           ModalidadeRDC,
		"Regime Diferenciado de Contr.": ModalidadeRDC,
		"Leilão":                        ModalidadeLeilao,
		"Chamada Pública":               ModalidadeOutra,
		"":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Modalidade(in), in)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Divulgada no PNCP":   StatusOpen,
		"Recebendo propostas": StatusOpen,
		"Em andamento":        StatusInProgress,
		"Em julgamento":       StatusInProgress,
		"Homologada":          StatusClosed,
		"Encerrada":           StatusClosed,
		"Revogada":            StatusCanceled,
		"Anulada":             StatusCanceled,
		"Suspensa":            StatusSuspended,
		"Deserta":             StatusFailed,
		"Fracassada":          StatusFailed,
		"algo estranho":       StatusUnknown,
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Status(in), in)
	}
}

// Normalization applied twice equals normalization applied once.
func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"Pregão Eletrônico", "Tomada de Preços", "RDC", "wat"} {
		once := Modalidade(s)
		assert.Equal(t, once, Modalidade(once), s)
	}
	for _, s := range []string{"Divulgada", "Suspensa", "wat", "Homologada"} {
		once := Status(s)
		assert.Equal(t, once, Status(once), s)
	}
	for _, s := range []string{"  Prefeitura   de São Paulo ", "x", ""} {
		once := Fold(s)
		assert.Equal(t, once, Fold(once), s)
		squashed := Squash(s)
		assert.Equal(t, squashed, Squash(squashed), s)
	}
}

func TestDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-15", "15/01/2024", "2024-01-15T00:00:00Z"} {
		got := Date(in)
		require.NotNil(t, got, in)
		assert.True(t, want.Equal(*got), in)
	}
	withTime := Date("2024-01-15T13:45:00-03:00")
	require.NotNil(t, withTime)
	assert.Equal(t, 16, withTime.UTC().Hour())

	assert.Nil(t, Date(""))
	assert.Nil(t, Date("amanhã"))
}

func TestSource(t *testing.T) {
	t.Parallel()

	src, sid, id := Source("compras:123", "", "")
	assert.Equal(t, pipeline.SourceCompras, src)
	assert.Equal(t, "123", sid)
	assert.Equal(t, "compras:123", id)

	src, sid, id = Source("12345678000199-1-5/2025", "", "")
	assert.Equal(t, pipeline.SourcePNCP, src)
	assert.Equal(t, "12345678000199-1-5/2025", sid)
	assert.Equal(t, "12345678000199-1-5/2025", id)

	src, sid, id = Source("", "compras", "987")
	assert.Equal(t, pipeline.SourceCompras, src)
	assert.Equal(t, "987", sid)
	assert.Equal(t, "compras:987", id)

	src, sid, id = Source("", "", "")
	assert.Equal(t, pipeline.SourceUnknown, src)
	assert.Equal(t, "", sid)
	assert.Equal(t, "", id)
}

func TestTender(t *testing.T) {
	t.Parallel()

	rec := Tender(pipeline.TenderInput{
		IDPNCP:         " X-1 ",
		Source:         "pncp",
		SourceID:       "1",
		Orgao:          " Prefeitura  Municipal ",
		Municipio:      "Campinas/SP",
		Modalidade:     "Pregão Eletrônico",
		Objeto:         "  Serviços de   limpeza hospitalar ",
		Status:         "Divulgada no PNCP",
		DataPublicacao: "2024-03-10",
		URLs:           map[string]string{"pncp": " https://pncp.gov.br/x ", "empty": " "},
	})

	assert.Equal(t, "X-1", rec.IDPNCP)
	assert.Equal(t, "Campinas", rec.Municipio)
	assert.Equal(t, "SP", rec.UF)
	assert.Equal(t, "SP", rec.UFNorm)
	assert.Equal(t, ModalidadePregao, rec.ModalidadeNorm)
	assert.Equal(t, StatusOpen, rec.StatusNorm)
	assert.Equal(t, "servicos de limpeza hospitalar", rec.ObjetoNorm)
	assert.Equal(t, "Serviços de limpeza hospitalar", rec.Objeto)
	require.NotNil(t, rec.DataPublicacao)
	assert.Equal(t, map[string]string{"pncp": "https://pncp.gov.br/x"}, rec.URLs)
}
