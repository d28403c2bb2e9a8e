package fat_test

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfs/sdfat/fat"
	"github.com/tinyfs/sdfat/memdev"
	"github.com/tinyfs/sdfat/mkfs"
)

func newFormattedDevice(t *testing.T, fatType uint8, totalBlocks int) *memdev.Device {
	t.Helper()
	storage := make([]byte, totalBlocks*512)
	dev := memdev.NewSliceDevice(storage)
	require.NoError(t, mkfs.Format(dev, mkfs.Options{
		FATType:           fatType,
		SectorsPerCluster: 1,
	}))
	return dev
}

func mountOrFail(t *testing.T, dev fat.BlockDevice) *fat.Volume {
	t.Helper()
	vol, err := fat.Mount(dev, fat.MountOptions{})
	require.NoError(t, err)
	return vol
}

func TestMountRejectsNonstandardBytesPerSector(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)

	var boot [512]byte
	require.NoError(t, dev.ReadBlock(0, boot[:]))
	binary.LittleEndian.PutUint16(boot[11:13], 1024)
	require.NoError(t, dev.WriteBlock(0, boot[:], true))

	_, err := fat.Mount(dev, fat.MountOptions{})
	assert.Error(t, err)
}

func TestMountFAT16EmptyRootDirectory(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)
	require.Equal(t, uint8(16), vol.FATType())

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	_, err = root.NextDirent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMountFAT32EmptyRootDirectory(t *testing.T) {
	dev := newFormattedDevice(t, 32, 70000)
	vol := mountOrFail(t, dev)
	require.Equal(t, uint8(32), vol.FATType())

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	_, err = root.NextDirent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	f, err := root.Open("HELLO.TXT", fat.OCreate|fat.OWriteOnly|fat.OReadOnly)
	require.NoError(t, err)

	payload := []byte("hello, card")
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	root2, err := fat.OpenRoot(vol)
	require.NoError(t, err)
	entry, err := root2.Open("HELLO.TXT", fat.OReadOnly)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err = entry.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestWriteAcrossMultipleClusters(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	f, err := root.Open("BIG.BIN", fat.OCreate|fat.OWriteOnly|fat.OReadOnly)
	require.NoError(t, err)

	payload := make([]byte, 512*5+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	root2, err := fat.OpenRoot(vol)
	require.NoError(t, err)
	readBack, err := root2.Open("BIG.BIN", fat.OReadOnly)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	total := 0
	for total < len(buf) {
		n, err := readBack.Read(buf[total:])
		require.NoError(t, err)
		require.Greater(t, n, 0)
		total += n
	}
	assert.Equal(t, payload, buf)
}

func TestTruncateShrinksFileAndFreesChain(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	f, err := root.Open("SHRINK.BIN", fat.OCreate|fat.OWriteOnly|fat.OReadOnly)
	require.NoError(t, err)

	payload := make([]byte, 512*3)
	_, err = f.Write(payload)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(100))
	require.NoError(t, f.Close())

	root2, err := fat.OpenRoot(vol)
	require.NoError(t, err)
	reopened, err := root2.Open("SHRINK.BIN", fat.OReadOnly)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := reopened.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	// On the fresh volume the file's chain was 2->3->4; truncating to 100
	// bytes keeps cluster 2 as the chain's end and frees 3 and 4.
	head, err := vol.FATGet(2)
	require.NoError(t, err)
	assert.True(t, vol.IsEOC(head))
	for _, c := range []uint32{3, 4} {
		next, err := vol.FATGet(c)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), next)
	}
}

func TestSyncSurvivesRemount(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	f, err := root.Open("PERSIST.TXT", fat.OCreate|fat.OWriteOnly|fat.OReadOnly)
	require.NoError(t, err)
	_, err = f.Write([]byte("still here"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Remount fresh against the same backing device, simulating a power
	// cycle between the write and the next session.
	vol2 := mountOrFail(t, dev)
	root2, err := fat.OpenRoot(vol2)
	require.NoError(t, err)
	reopened, err := root2.Open("PERSIST.TXT", fat.OReadOnly)
	require.NoError(t, err)

	buf := make([]byte, len("still here"))
	n, err := reopened.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))
}

func TestReadByteReturnsMinusOneAtEOF(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	f, err := root.Open("BOOT", fat.OCreate|fat.OWriteOnly|fat.OReadOnly)
	require.NoError(t, err)
	_, err = f.Write([]byte("HOLA!"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	root2, err := fat.OpenRoot(vol)
	require.NoError(t, err)
	reopened, err := root2.Open("BOOT", fat.OReadOnly)
	require.NoError(t, err)

	want := "HOLA!"
	for i := 0; i < len(want); i++ {
		assert.Equal(t, int(want[i]), reopened.ReadByte())
	}
	assert.Equal(t, -1, reopened.ReadByte())
}

func TestOpenCreateExclConflict(t *testing.T) {
	dev := newFormattedDevice(t, 16, 8192)
	vol := mountOrFail(t, dev)

	root, err := fat.OpenRoot(vol)
	require.NoError(t, err)

	_, err = root.Open("DUP.TXT", fat.OCreate|fat.OWriteOnly)
	require.NoError(t, err)

	_, err = root.Open("DUP.TXT", fat.OCreate|fat.OExcl|fat.OWriteOnly)
	assert.Error(t, err)
}
