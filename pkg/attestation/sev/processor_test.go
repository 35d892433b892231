package sev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectProcessorLegacyTurin(t *testing.T) {
	chipID := [ChipIDSize]byte{}
	chipID[0] = 0xAB
	r := &Report{Version: 2, ChipID: chipID}
	p, err := DetectProcessor(r)
	require.NoError(t, err)
	require.Equal(t, ProcessorTurin, p)
}

func TestDetectProcessorLegacyAllZeroErrors(t *testing.T) {
	r := &Report{Version: 2, ChipID: [ChipIDSize]byte{}}
	_, err := DetectProcessor(r)
	require.Error(t, err)
}

func TestDetectProcessorLegacyAmbiguousErrors(t *testing.T) {
	chipID := [ChipIDSize]byte{}
	chipID[0] = 1
	chipID[9] = 1
	r := &Report{Version: 2, ChipID: chipID}
	_, err := DetectProcessor(r)
	require.Error(t, err)
}

func TestDetectProcessorByCPUIDMilan(t *testing.T) {
	fam, mod := uint8(0x19), uint8(0x01)
	r := &Report{Version: 3, CPUIDFamID: &fam, CPUIDModID: &mod}
	p, err := DetectProcessor(r)
	require.NoError(t, err)
	require.Equal(t, ProcessorMilan, p)
}

func TestDetectProcessorByCPUIDGenoa(t *testing.T) {
	fam, mod := uint8(0x19), uint8(0x11)
	r := &Report{Version: 3, CPUIDFamID: &fam, CPUIDModID: &mod}
	p, err := DetectProcessor(r)
	require.NoError(t, err)
	require.Equal(t, ProcessorGenoa, p)
}

func TestDetectProcessorByCPUIDTurin(t *testing.T) {
	fam, mod := uint8(0x1A), uint8(0x02)
	r := &Report{Version: 3, CPUIDFamID: &fam, CPUIDModID: &mod}
	p, err := DetectProcessor(r)
	require.NoError(t, err)
	require.Equal(t, ProcessorTurin, p)
}

func TestDetectProcessorByCPUIDUnsupported(t *testing.T) {
	fam, mod := uint8(0x20), uint8(0x02)
	r := &Report{Version: 3, CPUIDFamID: &fam, CPUIDModID: &mod}
	_, err := DetectProcessor(r)
	require.Error(t, err)
}

func TestKDSProductName(t *testing.T) {
	name, err := ProcessorGenoa.KDSProductName()
	require.NoError(t, err)
	require.Equal(t, "Genoa", name)

	name, err = ProcessorBergamo.KDSProductName()
	require.NoError(t, err)
	require.Equal(t, "Genoa", name)

	_, err = ProcessorUnknown.KDSProductName()
	require.Error(t, err)
}
