package compose

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validCompose = `
services:
  web:
    image: myorg/web:latest
    container_name: web
    ports:
      - "8080:3000"
`

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validCompose, "web"))
}

func TestValidateRejectsReservedEnvKey(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    environment:
      - CADDY_ACME_EAB_KEY_ID=abc
`
	err := Validate(text, "web")
	require.Error(t, err)
	require.Contains(t, err.Error(), "CADDY_ACME_EAB_KEY_ID")
}

func TestValidateRejectsNoServices(t *testing.T) {
	require.Error(t, Validate("services: {}", "web"))
}

func TestValidateRejectsMissingPublicContainer(t *testing.T) {
	err := Validate(validCompose, "missing")
	require.Error(t, err)
}

func TestValidateRejectsReservedServiceName(t *testing.T) {
	text := `
services:
  nilcc-attester-shim:
    image: myorg/web:latest
`
	err := Validate(text, "nilcc-attester-shim")
	require.Error(t, err)
}

func TestValidateRejectsReservedContainerName(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    container_name: nilcc-proxy-helper
`
	err := Validate(text, "web")
	require.Error(t, err)
}

func TestValidateRejectsPort80ShortForm(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    ports:
      - "80:3000"
`
	err := Validate(text, "web")
	require.Error(t, err)
}

func TestValidateRejectsPortRangeCovering80(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    ports:
      - "79-81:3000-3002"
`
	err := Validate(text, "web")
	require.Error(t, err)
}

func TestValidateRejectsLongFormPublished443(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    ports:
      - target: 3000
        published: "443"
`
	err := Validate(text, "web")
	require.Error(t, err)
}

func TestValidateAllowsNonReservedPort(t *testing.T) {
	text := `
services:
  web:
    image: myorg/web:latest
    ports:
      - "8443:3000"
`
	require.NoError(t, Validate(text, "web"))
}
