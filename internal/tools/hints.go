package tools

import (
	"strings"

	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// provider hints for authentication failures, keyed by a host suffix
var authHints = []struct {
	suffix string
	hint   string
}{
	{"gmail.com", "Gmail requires an App Password for IMAP (Google Account > Security > App passwords) and IMAP enabled in Gmail settings."},
	{"googlemail.com", "Gmail requires an App Password for IMAP (Google Account > Security > App passwords) and IMAP enabled in Gmail settings."},
	{"outlook.com", "Outlook requires an App Password for IMAP when two-step verification is on, and IMAP access enabled in Outlook settings."},
	{"office365.com", "Microsoft 365 tenants may disable basic IMAP authentication; ask the administrator to allow IMAP for this mailbox."},
	{"mail.yahoo.com", "Yahoo Mail requires an app password generated under Account Security."},
	{"mail.me.com", "iCloud Mail requires an app-specific password from appleid.apple.com."},
	{"fastmail.com", "Fastmail requires an app password with IMAP access (Settings > Privacy & Security)."},
}

// Remediation suggests how to fix a connection failure for the account's provider.
func Remediation(acc *types.Account, err error) string {
	connErr, ok := email.IsConnectionError(err)
	if !ok {
		return ""
	}

	host := strings.ToLower(acc.IMAPHost)
	switch connErr.Kind {
	case email.KindAuthFailed:
		for _, h := range authHints {
			if strings.HasSuffix(host, h.suffix) {
				return h.hint
			}
		}
		return "Check IMAP_USERNAME and IMAP_PASSWORD; many providers require an app-specific password for IMAP."
	case email.KindTLS:
		if acc.Security == types.SecurityTLS && acc.IMAPPort == 143 {
			return "Port 143 normally expects STARTTLS; set IMAP_SECURITY=starttls or use port 993."
		}
		return "The server's TLS certificate could not be verified; check IMAP_HOST matches the certificate and IMAP_SECURITY matches the port."
	case email.KindNetworkUnreachable:
		return "Could not reach " + acc.IMAPHost + "; check IMAP_HOST, IMAP_PORT and any firewall between this host and the server."
	case email.KindTimeout:
		return "The server did not answer in time; check connectivity or raise CONNECT_TIMEOUT."
	}
	return ""
}

// withHint attaches a remediation hint to connection errors.
func withHint(acc *types.Account, err error) error {
	if err == nil {
		return nil
	}
	if hint := Remediation(acc, err); hint != "" {
		return apperrors.WithHint(err, hint)
	}
	return err
}
