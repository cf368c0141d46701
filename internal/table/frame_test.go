package table

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAddGetSet(t *testing.T) {
	f := New("", "b")
	f.AddRow("AFG", map[string]string{"b": "1", "a": "2"})
	f.Set("ALB", "b", "3")

	assert.Equal(t, DefaultKeyColumn, f.KeyColumn())
	assert.Equal(t, []string{"b", "a"}, f.Columns())
	assert.Equal(t, []string{"AFG", "ALB"}, f.Keys())

	v, ok := f.Get("AFG", "a")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	v, ok = f.Get("ALB", "a")
	require.True(t, ok)
	assert.Empty(t, v)

	_, ok = f.Get("ZZZ", "a")
	assert.False(t, ok)

	row, ok := f.Row("ALB")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"b": "3"}, row)
}

func TestDedupKeepsFirst(t *testing.T) {
	f := New("", "x_2020")
	f.AddRow("AFG", map[string]string{"x_2020": "1"})
	f.AddRow("ALB", map[string]string{"x_2020": "2"})
	f.AddRow("AFG", map[string]string{"x_2020": "9"})
	f.AddRow("ALB", map[string]string{"x_2020": "8"})

	out, dups := f.Dedup()
	assert.Equal(t, []string{"AFG", "ALB"}, dups)
	assert.Equal(t, []string{"AFG", "ALB"}, out.Keys())
	v, _ := out.Get("AFG", "x_2020")
	assert.Equal(t, "1", v)
	assert.Equal(t, 4, f.Len(), "source frame is untouched")
}

func TestIndicatorColumnsAndHasData(t *testing.T) {
	f := New("", "gdp_2020", "gdp_2021", "gdp_growth_2020", "hdi_2020")
	f.AddRow("AFG", map[string]string{"hdi_2020": "0.5"})

	assert.Equal(t, []string{"gdp_2020", "gdp_2021"}, f.IndicatorColumns("gdp"))
	assert.Equal(t, []string{"gdp_growth_2020"}, f.IndicatorColumns("gdp_growth"))
	assert.False(t, f.HasData(f.IndicatorColumns("gdp")))
	assert.True(t, f.HasData(f.IndicatorColumns("hdi")))
	assert.False(t, f.HasData([]string{"missing"}))
}

func TestColumnYear(t *testing.T) {
	tests := []struct {
		col, id string
		year    string
		ok      bool
	}{
		{"gdp_2020", "gdp", "2020", true},
		{"gdp_2020.0", "gdp", "2020", true},
		{"gdp_pc_2020", "gdp", "", false},
		{"gdp_pc_2020", "gdp_pc", "2020", true},
		{"gdp_total", "gdp", "", false},
		{"hdi_2020", "gdp", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.col+"/"+tt.id, func(t *testing.T) {
			year, ok := ColumnYear(tt.col, tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.year, year)
		})
	}
}

func TestCSVRoundTrip(t *testing.T) {
	in := "\ufeffname,Alpha-3 code,x_2020,x_2021\n" +
		"Afghanistan,AFG,1,\n" +
		"\"Bahamas, The\",BHS,,2\n" +
		",,,\n"

	f, err := ReadCSV(strings.NewReader(in), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"AFG", "BHS"}, f.Keys())
	assert.Equal(t, []string{"name", "x_2020", "x_2021"}, f.Columns())

	out, err := f.MarshalCSV()
	require.NoError(t, err)
	want := "Alpha-3 code,name,x_2020,x_2021\n" +
		"AFG,Afghanistan,1,\n" +
		"BHS,\"Bahamas, The\",,2\n"
	assert.Equal(t, want, string(out))

	again, err := ReadCSV(strings.NewReader(string(out)), "")
	require.NoError(t, err)
	out2, err := again.MarshalCSV()
	require.NoError(t, err)
	assert.Equal(t, out, out2)
}

func TestReadCSVErrors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""), "")
	assert.ErrorContains(t, err, "empty csv")

	_, err = ReadCSV(strings.NewReader("iso,x\nAFG,1\n"), "")
	assert.ErrorContains(t, err, `key column "Alpha-3 code"`)

	f, err := ReadCSV(strings.NewReader("iso,x\nAFG,1\n"), "iso")
	require.NoError(t, err)
	assert.Equal(t, "iso", f.KeyColumn())
}

func TestFromRecordsAndRowAt(t *testing.T) {
	f, err := FromRecords(
		[]string{"iso3", "year", "value"},
		[][]string{{"AFG", "2020", "1"}, {"AFG", "2021"}, {" ", "2020", "x"}},
		"iso3",
	)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())

	key, row := f.RowAt(1)
	assert.Equal(t, "AFG", key)
	assert.Equal(t, map[string]string{"year": "2021"}, row)
}
