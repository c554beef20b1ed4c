package portal

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"course-autopilot/internal/model"
)

// Login opens a headed browser on the course list, waits for the user to sign
// in and press ENTER, verifies the dashboard and stores the session cookies.
func Login(ctx context.Context, opts Options, in io.Reader, out io.Writer) error {
	opts.Headless = false
	browser, err := Launch(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = browser.Close()
	}()

	tab, err := browser.newTab(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tab.Close()
	}()

	// The first hop usually lands on the sign-in page; that is expected here.
	if err := tab.Navigate(ctx, opts.CoursesURL); err != nil && !isSessionLost(err) {
		return err
	}

	fmt.Fprintln(out, "sign in to the portal in the opened browser window")
	fmt.Fprintln(out, "press ENTER once the course list is visible")
	if err := waitForEnter(ctx, in); err != nil {
		return err
	}

	ok, err := tab.loggedIn()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: course list not visible at %s", model.ErrNotAuthenticated, tab.page.URL())
	}
	if err := browser.SaveCookies(); err != nil {
		return err
	}
	fmt.Fprintf(out, "cookies_file: %s\n", opts.CookiesFile)
	return nil
}

func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
