package sdspi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyfs/sdfat/carddb"
	"github.com/tinyfs/sdfat/sdspi"
)

func newTestCard(t *testing.T, profileName string, imageBlocks int) (*sdspi.Card, *fakeCard) {
	t.Helper()
	profile, err := carddb.Profile(profileName)
	require.NoError(t, err)

	fake := newFakeCard(profile, imageBlocks*512)
	card := sdspi.NewCard(sdspi.Config{
		SPI:              fake,
		CS:               fake,
		ProtectBlockZero: true,
	})
	return card, fake
}

func TestInitAcrossKnownCardProfiles(t *testing.T) {
	for _, profile := range carddb.All() {
		profile := profile
		t.Run(profile.Name, func(t *testing.T) {
			card, _ := newTestCard(t, profile.Name, 8)
			require.NoError(t, card.Init())

			switch profile.Type {
			case "SD1":
				assert.Equal(t, sdspi.TypeSD1, card.Type())
			case "SD2":
				assert.Equal(t, sdspi.TypeSD2, card.Type())
			case "SDHC":
				assert.Equal(t, sdspi.TypeSDHC, card.Type())
			}
		})
	}
}

func TestReadBlockRoundTrip(t *testing.T) {
	card, fake := newTestCard(t, "sdhc_2gb", 8)
	require.NoError(t, card.Init())

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	copy(fake.image[512:1024], want)

	got := make([]byte, 512)
	require.NoError(t, card.ReadBlock(1, got))
	assert.Equal(t, want, got)
}

func TestWriteBlockRoundTrip(t *testing.T) {
	card, fake := newTestCard(t, "sdhc_2gb", 8)
	require.NoError(t, card.Init())

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(255 - i)
	}
	require.NoError(t, card.WriteBlock(2, data, true))
	assert.Equal(t, data, fake.image[1024:1536])
}

func TestWriteBlockZeroRejected(t *testing.T) {
	card, _ := newTestCard(t, "sdhc_2gb", 8)
	require.NoError(t, card.Init())

	err := card.WriteBlock(0, make([]byte, 512), true)
	assert.Error(t, err)
	assert.ErrorIs(t, card.LastError(), err)
}

func TestPartialBlockReadContinuesWithoutReissuingCommand(t *testing.T) {
	card, fake := newTestCard(t, "sdhc_2gb", 8)
	require.NoError(t, card.Init())
	card.SetPartialBlock(true)

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i * 3)
	}
	copy(fake.image[512:1024], want)

	first := make([]byte, 100)
	require.NoError(t, card.ReadData(1, 0, 100, first))
	assert.Equal(t, want[:100], first)

	second := make([]byte, 50)
	require.NoError(t, card.ReadData(1, 100, 50, second))
	assert.Equal(t, want[100:150], second)
}

func TestPartialBlockReadSkipsGapOnContinuation(t *testing.T) {
	card, fake := newTestCard(t, "sdhc_2gb", 8)
	require.NoError(t, card.Init())
	card.SetPartialBlock(true)

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i * 7)
	}
	copy(fake.image[512:1024], want)

	first := make([]byte, 50)
	require.NoError(t, card.ReadData(1, 0, 50, first))
	assert.Equal(t, want[:50], first)

	// Jump forward within the same block, leaving a gap the card hasn't
	// clocked out yet. The continuation path must skip those bytes rather
	// than reading from the old offset.
	second := make([]byte, 30)
	require.NoError(t, card.ReadData(1, 120, 30, second))
	assert.Equal(t, want[120:150], second)
}
