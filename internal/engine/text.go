package engine

// Player-facing static text. Every failure path reads differently from the
// success path so a player can always tell what happened.
const (
	startText = `Welcome, detective.

Browse the case files, question the characters, and submit your verdict when you think you have the culprit, the motive, and the method.

Commands:
stories — list the available cases
verdict — submit your solution
back — return to the character list
quit — abandon the current case`

	helpText = `You question the characters of a mystery; each remembers your whole conversation with them. When you are confident, submit a verdict naming the culprit, the motive, and the method. All three must be right.

stories — list the available cases
verdict — submit your solution
back — return to the character list
quit — abandon the current case`

	chooseStoryText   = "Choose a case to investigate:"
	chooseAgentText   = "Choose a character to interrogate:"
	thinkingText      = "…"
	askForVerdictText = "State your verdict: name the culprit, the motive, and the method."

	storyInProgressText = "You already have a case open. Finish it or send quit first."
	noStoryText         = "No case is open. Send stories to pick one."
	pickAgentFirstText  = "Pick a character to question first."
	unknownChoiceText   = "That choice is no longer available."

	verdictSolvedText  = "Case closed! You identified the culprit, the motive, and the method.\n\nThe full solution:\n"
	verdictMissedText  = "Not quite. Something is still missing.\n\nHint: "
	verdictNoHintText  = "Not quite. Something is still missing. Keep questioning the characters."
	verdictRetryText   = "The judge could not score that verdict. Please submit it again."
	quitText           = "You abandon the case. The solution was:\n"
	nothingToQuitText  = "There is no open case to quit."
	answerTimeoutText  = "The character lost their train of thought. Ask again."
	internalErrorText  = "Something went wrong on our side. Try again in a moment."
	staleRunClosedText = "Your case went cold and was closed. Send stories to start a new one."
)
