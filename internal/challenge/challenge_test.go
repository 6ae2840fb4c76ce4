package challenge

import (
	"encoding/base64"
	"testing"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWRM = `<WRMHEADER xmlns="http://schemas.microsoft.com/DRM/2007/03/PlayReadyHeader" version="4.0.0.0"><DATA><PROTECTINFO><KEYLEN>16</KEYLEN><ALGID>AESCTR</ALGID></PROTECTINFO><KID>AAAAAAAAAAAAAAAAAAAAAA==</KID><LA_URL>https://license.example/rightsmanager.asmx</LA_URL></DATA></WRMHEADER>`

func testChallenge(wrm string) string {
	return `<?xml version="1.0" encoding="utf-8"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><AcquireLicense xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols"><challenge><Challenge xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols/messages"><LA xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols" Id="SignedData"><Version>1</Version><ContentHeader>` +
		wrm +
		`</ContentHeader><CLIENTINFO><CLIENTVERSION>10.0.16384.10011</CLIENTVERSION></CLIENTINFO><RevocationLists><RevListInfo><ListID>ioydTlK2p0WXkWklprR5Hw==</ListID><Version>13</Version></RevListInfo></RevocationLists></LA></Challenge></challenge></AcquireLicense></soap:Body></soap:Envelope>`
}

func testEnvelope(challenge string) string {
	return `<PlayReadyKeyMessage type="LicenseAcquisition"><LicenseAcquisition Version="1"><Challenge encoding="base64encoded">` +
		base64.StdEncoding.EncodeToString([]byte(challenge)) +
		`</Challenge><HttpHeaders><HttpHeader><name>Content-Type</name><value>text/xml; charset=utf-8</value></HttpHeader></HttpHeaders></LicenseAcquisition></PlayReadyKeyMessage>`
}

// buildKeyMessage builds a UTF-16LE key message carrying wrm
func buildKeyMessage(t *testing.T, wrm string) []byte {
	t.Helper()
	raw, err := EncodeUTF16LE(testEnvelope(testChallenge(wrm)))
	require.NoError(t, err)
	return raw
}

func TestDecode(t *testing.T) {
	m, err := Decode(buildKeyMessage(t, testWRM))
	require.NoError(t, err)

	wrm, err := m.WRMHeader()
	require.NoError(t, err)
	assert.Equal(t, testWRM, wrm)

	assert.Equal(t, "10.0.16384.10011", m.ClientVersion())
	assert.Contains(t, m.RevocationLists(), "<RevocationLists")
	assert.Contains(t, m.RevocationLists(), "ioydTlK2p0WXkWklprR5Hw==")
	assert.NoError(t, m.ParseErr())
}

func TestReplace_KeepsEnvelope(t *testing.T) {
	raw := buildKeyMessage(t, testWRM)
	m, err := Decode(raw)
	require.NoError(t, err)

	out, err := m.Replace([]byte("<new-challenge/>"))
	require.NoError(t, err)

	text, err := DecodeUTF16LE(out)
	require.NoError(t, err)
	want := `<PlayReadyKeyMessage type="LicenseAcquisition"><LicenseAcquisition Version="1"><Challenge encoding="base64encoded">` +
		base64.StdEncoding.EncodeToString([]byte("<new-challenge/>")) +
		`</Challenge><HttpHeaders><HttpHeader><name>Content-Type</name><value>text/xml; charset=utf-8</value></HttpHeader></HttpHeaders></LicenseAcquisition></PlayReadyKeyMessage>`
	assert.Equal(t, want, text)

	again, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, "<new-challenge/>", again.Challenge())
}

func TestReplace_KeepsBOM(t *testing.T) {
	raw, err := EncodeUTF16LE(bom + testEnvelope(testChallenge(testWRM)))
	require.NoError(t, err)

	m, err := Decode(raw)
	require.NoError(t, err)
	out, err := m.Replace([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfe}, out[:2])
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte{0x3c})
	assert.Error(t, err)

	raw, err := EncodeUTF16LE("<PlayReadyKeyMessage/>")
	require.NoError(t, err)
	_, err = Decode(raw)
	assert.ErrorIs(t, err, cnst.ErrNoChallenge)

	raw, err = EncodeUTF16LE(`<Challenge>not base64!!</Challenge>`)
	require.NoError(t, err)
	_, err = Decode(raw)
	assert.ErrorIs(t, err, cnst.ErrNoChallenge)
}

func TestWRMHeader_Missing(t *testing.T) {
	raw, err := EncodeUTF16LE(testEnvelope("<LA><Version>1</Version></LA>"))
	require.NoError(t, err)
	m, err := Decode(raw)
	require.NoError(t, err)

	_, err = m.WRMHeader()
	assert.ErrorIs(t, err, cnst.ErrNoCorrelationKey)
	assert.Empty(t, m.ClientVersion())
	assert.Empty(t, m.RevocationLists())
}

func TestSecondaryFields_UnparsableChallenge(t *testing.T) {
	raw, err := EncodeUTF16LE(testEnvelope(testWRM + "<<broken"))
	require.NoError(t, err)
	m, err := Decode(raw)
	require.NoError(t, err)

	wrm, err := m.WRMHeader()
	require.NoError(t, err)
	assert.Equal(t, testWRM, wrm)
	assert.Empty(t, m.ClientVersion())
}
