package ui

import (
	"github.com/AlecAivazis/survey/v2"
)

// Confirm asks a yes/no question.
func Confirm(message string, defaultValue bool) (bool, error) {
	answer := defaultValue
	err := survey.AskOne(&survey.Confirm{Message: message, Default: defaultValue}, &answer)
	return answer, err
}

// ConfirmDestructive makes the user type expected back before a destructive action.
func ConfirmDestructive(message, expected string) (bool, error) {
	var typed string
	err := survey.AskOne(&survey.Input{
		Message: message,
		Help:    "Type " + expected + " to continue",
	}, &typed)
	if err != nil {
		return false, err
	}
	return typed == expected, nil
}

// Password prompts for a secret without echoing it.
func Password(message string) (string, error) {
	var secret string
	err := survey.AskOne(&survey.Password{Message: message}, &secret, survey.WithValidator(survey.Required))
	return secret, err
}
