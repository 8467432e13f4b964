package security

import "testing"

func TestValidateProjectID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid cases
		{"simple slug", "myapp", false},
		{"with dash", "my-app", false},
		{"with numbers", "app123", false},

		// Invalid cases
		{"empty ID", "", true},
		{"starts with dash", "-app", true},
		{"upper case", "MyApp", true},
		{"with underscore", "my_app", true},
		{"with slash", "my/app", true},
		{"with space", "my app", true},
		{"command injection", "app; rm -rf /", true},
		{"path traversal", "../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProjectID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		// Valid cases
		{"main branch", "main", false},
		{"develop branch", "develop", false},
		{"feature branch", "feature/new-feature", false},
		{"release branch", "release/v1.0.0", false},
		{"with numbers", "feature123", false},
		{"with dashes", "my-feature-branch", false},
		{"with underscores", "my_feature_branch", false},
		{"with dots", "release.1.0", false},

		// Invalid cases
		{"empty branch", "", true},
		{"starts with dash", "-malicious", true},
		{"command injection semicolon", "main; rm -rf /", true},
		{"command injection pipe", "main | cat /etc/passwd", true},
		{"command injection backtick", "main`whoami`", true},
		{"command injection dollar", "main$(whoami)", true},
		{"special chars", "feature@evil", true},
		{"spaces", "my branch", true},
		{"newline", "main\nmalicious", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJobName(t *testing.T) {
	tests := []struct {
		name    string
		job     string
		wantErr bool
	}{
		// Valid cases
		{"simple name", "app-ios", false},
		{"with underscore", "app_android", false},
		{"with dots", "app.nightly", false},
		{"mixed case", "AppRelease", false},

		// Invalid cases
		{"empty name", "", true},
		{"starts with dash", "-job", true},
		{"starts with dot", ".job", true},
		{"with slash", "folder/job", true},
		{"with space", "my job", true},
		{"url escape attempt", "job%2F..", true},
		{"command injection", "job; rm -rf /", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobName(tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
