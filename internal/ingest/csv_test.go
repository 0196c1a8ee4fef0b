package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/rawblock/btn-forensics/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loadTime = time.Unix(1_700_000_000, 0)

func TestDecodeCSV_MultiColumnListLiterals(t *testing.T) {
	data := `hash,timestamp,input_addresses,input_values,output_addresses,output_values
abc,1650000000,"['A', 'B']","[1.5, 2.25]","['C']","[3.75]"
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, report.Rows)
	assert.Empty(t, report.Substitutions)

	r := records[0]
	assert.Equal(t, "abc", r.TxID)
	assert.Equal(t, 1650000000.0, r.Timestamp)
	assert.Equal(t, []models.Transfer{{Address: "A", Amount: 1.5}, {Address: "B", Amount: 2.25}}, r.Inputs)
	assert.Equal(t, []models.Transfer{{Address: "C", Amount: 3.75}}, r.Outputs)
}

func TestDecodeCSV_SingleColumnLayout(t *testing.T) {
	data := `transaction_id,timestamp,input_address,input_value,output_address,output_value
t1,2022-03-01 12:00:00,X,0.123456789,Y,nan-ish
t2,,nan,1,Z,2
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, float64(time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC).Unix()), first.Timestamp)
	require.Len(t, first.Inputs, 1)
	assert.Equal(t, 0.123456789, first.Inputs[0].Amount, "kept unrounded")
	assert.Equal(t, []models.Transfer{{Address: "Y", Amount: 1.0}}, first.Outputs)

	second := records[1]
	assert.Equal(t, 1_700_000_000.0, second.Timestamp)
	assert.Empty(t, second.Inputs, "nan address dropped")
	assert.Equal(t, []models.Transfer{{Address: "Z", Amount: 2}}, second.Outputs)

	fields := make([]string, 0, len(report.Substitutions))
	for _, s := range report.Substitutions {
		fields = append(fields, s.Field)
	}
	assert.ElementsMatch(t, []string{"output_value", "timestamp"}, fields)
}

func TestDecodeCSV_DelimitedAndDefaults(t *testing.T) {
	data := `hash,timestamp,input_addresses,output_addresses,output_values
d1,100,"P,Q","R,S","1.0,oops"
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, []models.Transfer{{Address: "P", Amount: 1}, {Address: "Q", Amount: 1}}, r.Inputs)
	assert.Equal(t, []models.Transfer{{Address: "R", Amount: 1}, {Address: "S", Amount: 1}}, r.Outputs)
	assert.Len(t, report.Substitutions, 2)
}

func TestDecodeCSV_ShortValueList(t *testing.T) {
	data := `hash,timestamp,input_addresses,input_values
s1,100,"['A','B','C']","[2]"
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	assert.Equal(t, []models.Transfer{
		{Address: "A", Amount: 2}, {Address: "B", Amount: 1}, {Address: "C", Amount: 1},
	}, records[0].Inputs)
	assert.Len(t, report.Substitutions, 2)
}

func TestDecodeCSV_KeepsSubSatoshiPrecision(t *testing.T) {
	data := `hash,timestamp,input_addresses,input_values,output_addresses,output_values
e1,100,"['A','B','C']","[1,1,1]","['D','E']","[1.000000001, 1.0]"
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, report.Substitutions)

	outs := records[0].Outputs
	require.Len(t, outs, 2)
	assert.Equal(t, 1.000000001, outs[0].Amount)
	assert.NotEqual(t, outs[0].Amount, outs[1].Amount, "distinct outputs stay distinct")
}

func TestDecodeCSV_NonFiniteAmount(t *testing.T) {
	data := `hash,timestamp,input_address,input_value
n1,100,A,inf
`
	records, report, err := DecodeCSV(strings.NewReader(data), loadTime)
	require.NoError(t, err)
	assert.Equal(t, []models.Transfer{{Address: "A", Amount: 1}}, records[0].Inputs)
	require.Len(t, report.Substitutions, 1)
	assert.Equal(t, "input_value", report.Substitutions[0].Field)
}

func TestDecodeCSV_Empty(t *testing.T) {
	_, _, err := DecodeCSV(strings.NewReader(""), loadTime)
	require.ErrorIs(t, err, ErrMissingHeader)
}
