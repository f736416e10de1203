package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRawJobDocumentAcceptsValidDoc(t *testing.T) {
	doc := []byte(`{
		"cloud": "ec2",
		"requesting_user": "alice",
		"last_service": "publish",
		"utctime": "now",
		"image": "openSUSE-Leap",
		"cloud_image_name": "opensuse-leap-test",
		"image_description": "test image",
		"distro": "opensuse",
		"download_url": "https://example.test/image.raw.xz"
	}`)

	err := ValidateRaw(KindJobDocument, doc)
	require.NoError(t, err)
}

func TestValidateRawJobDocumentRejectsMissingField(t *testing.T) {
	doc := []byte(`{
		"cloud": "ec2",
		"requesting_user": "alice",
		"last_service": "publish",
		"utctime": "now",
		"image": "openSUSE-Leap",
		"image_description": "test image",
		"distro": "opensuse",
		"download_url": "https://example.test/image.raw.xz"
	}`)

	err := ValidateRaw(KindJobDocument, doc)
	require.Error(t, err)
	var verrs ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestValidateRawJobDocumentRejectsUnknownCloud(t *testing.T) {
	doc := []byte(`{
		"cloud": "digitalocean",
		"requesting_user": "alice",
		"last_service": "publish",
		"utctime": "now",
		"image": "x",
		"cloud_image_name": "x",
		"image_description": "x",
		"distro": "x",
		"download_url": "https://example.test/x"
	}`)

	err := ValidateRaw(KindJobDocument, doc)
	assert.Error(t, err)
}

func TestValidateRawAddAccount(t *testing.T) {
	ok := []byte(`{"provider":"azure","account_name":"acct1","requesting_user":"bob"}`)
	require.NoError(t, ValidateRaw(KindAddAccount, ok))

	bad := []byte(`{"provider":"azure"}`)
	assert.Error(t, ValidateRaw(KindAddAccount, bad))
}

func TestValidateRawDeleteAccount(t *testing.T) {
	ok := []byte(`{"provider":"gce","account_name":"acct1","requesting_user":"bob"}`)
	require.NoError(t, ValidateRaw(KindDeleteAccount, ok))
}
