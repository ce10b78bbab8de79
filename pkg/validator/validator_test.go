package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type registerPayload struct {
	Username             string `json:"username" validate:"required,min=3,max=32"`
	Email                string `json:"email" validate:"required,email"`
	Password             string `json:"password" validate:"required,min=8"`
	PasswordConfirmation string `json:"password_confirmation" validate:"required,eqfield=Password"`
}

func TestValidateStructReportsFieldErrors(t *testing.T) {
	err := ValidateStruct(registerPayload{
		Username:             "bo",
		Email:                "not-an-email",
		Password:             "short",
		PasswordConfirmation: "different",
	})
	require.Error(t, err)

	failures, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, failures, 4)

	// Field names come from json tags, not Go identifiers.
	fields := make(map[string]string)
	for _, f := range failures {
		fields[f.Field] = f.Tag
	}
	require.Equal(t, "min", fields["username"])
	require.Equal(t, "email", fields["email"])
	require.Equal(t, "eqfield", fields["password_confirmation"])
}

func TestValidateStructPasses(t *testing.T) {
	err := ValidateStruct(registerPayload{
		Username:             "bob",
		Email:                "bob@example.com",
		Password:             "correct horse",
		PasswordConfirmation: "correct horse",
	})
	require.NoError(t, err)
}

func TestUsernameTag(t *testing.T) {
	type payload struct {
		Username string `json:"username" validate:"required,username"`
	}

	for _, valid := range []string{"bob", "octo-cat", "a1-b2-c3"} {
		require.NoError(t, ValidateStruct(payload{Username: valid}), valid)
	}

	for _, invalid := range []string{"Bob", "octo cat", "-bob", "bob-", "octo--cat", "bob_builder"} {
		require.Error(t, ValidateStruct(payload{Username: invalid}), invalid)
	}
}
