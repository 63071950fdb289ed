package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. The French strings are the reference copy.
const (
	keySubjectRequest    = "subject.request"
	keySubjectReminder   = "subject.reminder"
	keySubjectCompleted  = "subject.completed"
	keyReminderPrefix    = "request.reminder_prefix"
	keyRequestHeading    = "request.heading"
	keyGreeting          = "common.greeting"
	keyRequestBody       = "request.body"
	keyRequestButton     = "request.button"
	keyRequestFallback   = "request.fallback"
	keyRequestValidity   = "request.validity"
	keySignoff           = "common.signoff"
	keyRequestFooter     = "request.footer"
	keyCompletedOwnerH   = "completed.owner_heading"
	keyCompletedSignerH  = "completed.signer_heading"
	keyCompletedOwner    = "completed.owner_body"
	keyCompletedCount    = "completed.signer_count"
	keyCompletedDownload = "completed.download"
	keyCompletedSigner   = "completed.signer_body"
	keyCompletedPending  = "completed.signer_pending"
	keyCompletedView     = "completed.view"
	keyHelp              = "common.help"
	keyUntitledRequest   = "default.untitled_request"
	keyUntitledDocument  = "default.untitled_document"
)

var messages = map[language.Tag]map[string]string{
	language.French: {
		keySubjectRequest:    "Signature requise : %s",
		keySubjectReminder:   "Rappel : Signature requise - %s",
		keySubjectCompleted:  "Contrat signé : %s",
		keyReminderPrefix:    "Rappel : ",
		keyRequestHeading:    "Signature requise pour %s",
		keyGreeting:          "Bonjour %s,",
		keyRequestBody:       "%s vous a demandé de signer le document \"%s\".",
		keyRequestButton:     "Voir et signer le document",
		keyRequestFallback:   "Si le bouton ne fonctionne pas, copiez et collez le lien suivant dans votre navigateur :",
		keyRequestValidity:   "Ce lien est temporaire. Une fois expiré, demandez un nouveau lien à l'expéditeur.",
		keySignoff:           "Cordialement, l'équipe %s",
		keyRequestFooter:     "Vous recevez cet email car %s vous a invité à signer un document via %s.",
		keyCompletedOwnerH:   "Document signé par tous les participants",
		keyCompletedSignerH:  "Votre signature a été enregistrée",
		keyCompletedOwner:    "Tous les signataires ont signé le document \"%s\". Le document est maintenant complet et a été enregistré.",
		keyCompletedCount:    "Nombre total de signataires : %d",
		keyCompletedDownload: "Télécharger le document signé",
		keyCompletedSigner:   "Nous vous confirmons que votre signature pour le document \"%s\" a bien été enregistrée.",
		keyCompletedPending:  "L'expéditeur a été notifié et tous les signataires ont apposé leur signature.",
		keyCompletedView:     "Voir le document",
		keyHelp:              "Si vous avez des questions ou avez besoin d'aide, n'hésitez pas à répondre à cet email.",
		keyUntitledRequest:   "Document important",
		keyUntitledDocument:  "Document",
	},
	language.English: {
		keySubjectRequest:    "Signature required: %s",
		keySubjectReminder:   "Reminder: Signature required - %s",
		keySubjectCompleted:  "Contract signed: %s",
		keyReminderPrefix:    "Reminder: ",
		keyRequestHeading:    "Signature required for %s",
		keyGreeting:          "Hello %s,",
		keyRequestBody:       "%s asked you to sign the document \"%s\".",
		keyRequestButton:     "Review and sign the document",
		keyRequestFallback:   "If the button does not work, copy and paste this link into your browser:",
		keyRequestValidity:   "This link is temporary. Once it expires, ask the sender for a new link.",
		keySignoff:           "Regards, the %s team",
		keyRequestFooter:     "You are receiving this email because %s invited you to sign a document with %s.",
		keyCompletedOwnerH:   "Document signed by every participant",
		keyCompletedSignerH:  "Your signature has been recorded",
		keyCompletedOwner:    "Every signer has signed \"%s\". The document is now complete and has been stored.",
		keyCompletedCount:    "Total signers: %d",
		keyCompletedDownload: "Download the signed document",
		keyCompletedSigner:   "We confirm that your signature for \"%s\" has been recorded.",
		keyCompletedPending:  "The sender has been notified and every signer has now signed.",
		keyCompletedView:     "View the document",
		keyHelp:              "If you have any questions, simply reply to this email.",
		keyUntitledRequest:   "Important document",
		keyUntitledDocument:  "Document",
	},
}

// newPrinter returns a printer for locale backed by a private catalog.
// Unknown locales fall back to French.
func newPrinter(locale string) (*message.Printer, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.French))
	for tag, entries := range messages {
		for key, msg := range entries {
			if err := b.SetString(tag, key, msg); err != nil {
				return nil, err
			}
		}
	}

	tag := language.French
	if locale != "" {
		parsed, err := language.Parse(locale)
		if err == nil {
			matcher := language.NewMatcher([]language.Tag{language.French, language.English})
			_, idx, _ := matcher.Match(parsed)
			tag = []language.Tag{language.French, language.English}[idx]
		}
	}
	return message.NewPrinter(tag, message.Catalog(b)), nil
}
