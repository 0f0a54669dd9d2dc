package auth

import "github.com/tech-arch1tect/otpauth/store"

const (
	MessageRegistered = "User registered successfully. Please verify your OTP."
	MessageVerified   = "OTP verified successfully. Account activated."
	MessageLoggedIn   = "Login successful"
)

type RegisterRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Age      int    `json:"age" validate:"gte=0"`
}

type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"otpCode" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Profile is the public projection of an account.
type Profile struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Age    int    `json:"age"`
	Active bool   `json:"active"`
}

func profileOf(a *store.Account) *Profile {
	return &Profile{
		ID:     a.ID,
		Name:   a.Name,
		Email:  a.Email,
		Age:    a.Age,
		Active: a.Active,
	}
}

type Response struct {
	Token   string   `json:"token,omitempty"`
	Message string   `json:"message"`
	User    *Profile `json:"user,omitempty"`
}
