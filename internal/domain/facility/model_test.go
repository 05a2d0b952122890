package facility

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAssociation(t *testing.T) {
	h := uuid.New()
	dc := uuid.New()

	assert.Equal(t, Hospital(h), FromAssociation(&h, nil))
	assert.Equal(t, DiagnosticCenter(dc), FromAssociation(nil, &dc))
	assert.Equal(t, Hospital(h), FromAssociation(&h, &dc))
	assert.Equal(t, None(), FromAssociation(nil, nil))

	nilID := uuid.Nil
	assert.Equal(t, None(), FromAssociation(&nilID, nil))
}

func TestParseRef(t *testing.T) {
	id := uuid.New()

	r, err := ParseRef("", "")
	require.NoError(t, err)
	assert.True(t, r.IsNone())

	r, err = ParseRef("hospital", id.String())
	require.NoError(t, err)
	assert.Equal(t, Hospital(id), r)

	_, err = ParseRef("hospital", "")
	assert.Error(t, err)

	_, err = ParseRef("none", id.String())
	assert.Error(t, err)

	_, err = ParseRef("clinic", id.String())
	assert.Error(t, err)

	_, err = ParseRef("diagnostic_center", "nope")
	assert.Error(t, err)
}

func TestRef_Equal(t *testing.T) {
	id := uuid.New()
	assert.True(t, Ref{}.Equal(None()))
	assert.True(t, Hospital(id).Equal(Hospital(id)))
	assert.False(t, Hospital(id).Equal(DiagnosticCenter(id)))
	assert.False(t, Hospital(id).Equal(None()))
}

func TestSubjectKind_Valid(t *testing.T) {
	assert.True(t, SubjectDoctor.Valid())
	assert.True(t, SubjectTest.Valid())
	assert.False(t, SubjectKind("nurse").Valid())
}
